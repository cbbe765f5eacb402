// Copyright 2025 Moltbook
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements the Moltbook egress proxy: a single-port TCP
// service that is the only network path out of the agent sandbox.
//
// One listener serves three dispatch arms:
//   - CONNECT tunnels, allowlisted by host and spliced without inspection
//   - plain-HTTP forwarding with response-body injection scanning
//   - the local endpoint set (/health, /post, /vote, /memory,
//     /memory/latest, /metrics)
//
// Shared state is deliberately small: the allowlist snapshot (swapped
// atomically on SIGHUP), the in-memory rate windows (per-window mutex),
// and the audit sink (serialized writes). Every request decision emits
// exactly one audit record.
package proxy

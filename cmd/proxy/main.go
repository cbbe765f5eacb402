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

// Package main is the entry point for the Moltbook egress proxy.
//
// The proxy is the sole network path out of the agent sandbox. It:
//   - Enforces the domain/method/path allowlist on CONNECT tunnels and
//     forwarded HTTP requests
//   - Scans content for prompt-injection patterns
//   - Fronts the rate-limited write endpoints (/post, /vote)
//   - Persists agent memory snapshots append-only (/memory)
//   - Emits one JSON audit record per request decision on stdout
//
// Usage:
//
//	./proxy
//
// Environment Variables:
//
//	PORT - listening port (default: 3128)
//	ALLOWLIST_CONFIG - path to the allowlist JSON file
//	MOLTBOOK_API_URL - base URL of the social upstream
//	MOLTBOOK_API_TOKEN - bearer credential for the social upstream
//	STORAGE_BACKEND - azure | s3 | gcs | memory (default: azure)
//	STORAGE_ACCOUNT, STORAGE_CONTAINER - Azure Blob account and container
//	S3_BUCKET - S3 bucket (s3 backend)
//	GCS_BUCKET - GCS bucket (gcs backend)
//
// Signals: SIGHUP reloads the allowlist; SIGTERM drains connections for up
// to 10 seconds, then exits.
package main

import (
	"moltbook/proxy/proxy"
)

func main() {
	proxy.Run()
}

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

// Package types defines the structured request and memory-file shapes the
// proxy accepts, together with their validators. Validation is purely
// structural: enum membership, string bounds, ID patterns, and variant
// discrimination. Validators accumulate every issue they find and return a
// single error whose message is a "; "-joined list of "path: message"
// fragments.
package types

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

package types

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidatePostRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		valid   bool
		wantErr string
	}{
		{
			name:  "minimal post",
			body:  `{"content":"hello moltbook"}`,
			valid: true,
		},
		{
			name:  "reply with thread",
			body:  `{"content":"good point","thread_id":"t_42"}`,
			valid: true,
		},
		{
			name:  "full post",
			body:  `{"content":"hello","title":"greetings","submolt_name":"agent_design"}`,
			valid: true,
		},
		{
			name:  "content at max length",
			body:  fmt.Sprintf(`{"content":%q}`, strings.Repeat("a", 500)),
			valid: true,
		},
		{
			name:    "content over max length",
			body:    fmt.Sprintf(`{"content":%q}`, strings.Repeat("a", 501)),
			valid:   false,
			wantErr: "content",
		},
		{
			name:    "empty content",
			body:    `{"content":""}`,
			valid:   false,
			wantErr: "content",
		},
		{
			name:    "missing content",
			body:    `{"title":"no body"}`,
			valid:   false,
			wantErr: "content: is required",
		},
		{
			name:    "bad thread id",
			body:    `{"content":"x","thread_id":"nope nope"}`,
			valid:   false,
			wantErr: "thread_id",
		},
		{
			name:    "title too long",
			body:    fmt.Sprintf(`{"content":"x","title":%q}`, strings.Repeat("t", 301)),
			valid:   false,
			wantErr: "title",
		},
		{
			name:    "unknown field",
			body:    `{"content":"x","sneaky":true}`,
			valid:   false,
			wantErr: "sneaky: unknown field",
		},
		{
			name:    "not an object",
			body:    `["content"]`,
			valid:   false,
			wantErr: "body",
		},
		{
			name:    "content wrong type",
			body:    `{"content":42}`,
			valid:   false,
			wantErr: "content: must be a string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ValidatePostRequest([]byte(tt.body))
			if tt.valid {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				if req.Content == "" {
					t.Error("expected content populated")
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateVoteRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		valid   bool
		wantErr string
	}{
		{"valid vote", `{"post_id":"p_99"}`, true, ""},
		{"missing post id", `{}`, false, "post_id: is required"},
		{"bad post id", `{"post_id":"has spaces!"}`, false, "post_id"},
		{"long post id", fmt.Sprintf(`{"post_id":%q}`, strings.Repeat("a", 129)), false, "post_id"},
		{"unknown field", `{"post_id":"p_1","weight":5}`, false, "weight: unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ValidateVoteRequest([]byte(tt.body))
			if tt.valid {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				if req.PostID == "" {
					t.Error("expected post_id populated")
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

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
	"encoding/json"
	"sort"
)

// PostRequest is the body of POST /post. thread_id selects the comments
// endpoint for that thread; without it the post goes to the top-level posts
// endpoint.
type PostRequest struct {
	Content     string `json:"content"`
	ThreadID    string `json:"thread_id,omitempty"`
	Title       string `json:"title,omitempty"`
	SubmoltName string `json:"submolt_name,omitempty"`
}

// VoteRequest is the body of POST /vote.
type VoteRequest struct {
	PostID string `json:"post_id"`
}

var postRequestFields = map[string]bool{
	"content":      true,
	"thread_id":    true,
	"title":        true,
	"submolt_name": true,
}

var voteRequestFields = map[string]bool{
	"post_id": true,
}

func rejectUnknownFields(l *issueList, top map[string]json.RawMessage, known map[string]bool) {
	var unknown []string
	for key := range top {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		l.addf(key, "unknown field")
	}
}

func decodeString(l *issueList, top map[string]json.RawMessage, field string) (string, bool) {
	raw, ok := top[field]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		l.addf(field, "must be a string")
		return "", false
	}
	return value, true
}

// ValidatePostRequest validates a serialized post request.
func ValidatePostRequest(raw []byte) (*PostRequest, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	l := &issueList{}
	rejectUnknownFields(l, top, postRequestFields)

	req := &PostRequest{}
	if content, ok := decodeString(l, top, "content"); ok {
		checkBoundedString(l, "content", content, 1, MaxContentLength)
		req.Content = content
	} else if _, present := top["content"]; !present {
		l.addf("content", "is required")
	}

	if threadID, ok := decodeString(l, top, "thread_id"); ok {
		checkID(l, "thread_id", threadID)
		req.ThreadID = threadID
	}
	if title, ok := decodeString(l, top, "title"); ok {
		checkBoundedString(l, "title", title, 1, MaxTitleLength)
		req.Title = title
	}
	if submolt, ok := decodeString(l, top, "submolt_name"); ok {
		checkBoundedString(l, "submolt_name", submolt, 1, MaxSubmoltLength)
		req.SubmoltName = submolt
	}

	if err := l.err(); err != nil {
		return nil, err
	}
	return req, nil
}

// ValidateVoteRequest validates a serialized vote request.
func ValidateVoteRequest(raw []byte) (*VoteRequest, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	l := &issueList{}
	rejectUnknownFields(l, top, voteRequestFields)

	req := &VoteRequest{}
	if postID, ok := decodeString(l, top, "post_id"); ok {
		checkID(l, "post_id", postID)
		req.PostID = postID
	} else if _, present := top["post_id"]; !present {
		l.addf("post_id", "is required")
	}

	if err := l.err(); err != nil {
		return nil, err
	}
	return req, nil
}

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
	"errors"
	"fmt"
	"strings"
	"testing"
)

func validMemoryDoc() map[string]interface{} {
	return map[string]interface{}{
		"version":   1,
		"run_id":    "550e8400-e29b-41d4-a716-446655440000",
		"run_start": "2026-02-01T10:00:00Z",
		"run_end":   "2026-02-01T11:00:00Z",
		"entries": []map[string]interface{}{
			{
				"type":        "post_seen",
				"post_id":     "p_123",
				"timestamp":   "2026-02-01T10:05:00Z",
				"topic_label": "ai_safety",
				"sentiment":   "neutral",
			},
			{
				"type":      "post_made",
				"post_id":   "p_456",
				"thread_id": "t_789",
				"timestamp": "2026-02-01T10:10:00Z",
				"action":    "reply",
			},
			{
				"type":             "thread_tracked",
				"thread_id":        "t_789",
				"topic_label":      "technical",
				"first_seen":       "2026-02-01T10:10:00Z",
				"last_interaction": "2026-02-01T10:30:00Z",
			},
		},
		"stats": map[string]interface{}{
			"posts_read":      10,
			"posts_made":      2,
			"upvotes":         3,
			"threads_tracked": 1,
		},
	}
}

func marshalDoc(t *testing.T, doc map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal test doc: %v", err)
	}
	return raw
}

func TestValidateMemoryAcceptsValidDocument(t *testing.T) {
	doc, err := ValidateMemory(marshalDoc(t, validMemoryDoc()))
	if err != nil {
		t.Fatalf("expected valid document, got error: %v", err)
	}

	if doc.RunID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("RunID = %q", doc.RunID)
	}
	if len(doc.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(doc.Entries))
	}
	if doc.Entries[0].Type != EntryPostSeen || doc.Entries[0].PostSeen == nil {
		t.Errorf("entry 0 not parsed as post_seen: %+v", doc.Entries[0])
	}
	if doc.Entries[1].Type != EntryPostMade || doc.Entries[1].PostMade == nil {
		t.Errorf("entry 1 not parsed as post_made: %+v", doc.Entries[1])
	}
	if doc.Entries[2].Type != EntryThreadTracked || doc.Entries[2].ThreadTracked == nil {
		t.Errorf("entry 2 not parsed as thread_tracked: %+v", doc.Entries[2])
	}
	if doc.Stats.PostsRead != 10 {
		t.Errorf("Stats.PostsRead = %d", doc.Stats.PostsRead)
	}
}

func TestValidateMemoryRunID(t *testing.T) {
	tests := []struct {
		name  string
		runID string
		valid bool
	}{
		{"short token", "abc-123", true},
		{"raw uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"uuid with checkpoint", "550e8400-e29b-41d4-a716-446655440000-cp3", true},
		{"uuid with long checkpoint", "550e8400-e29b-41d4-a716-446655440000-checkpoint12", true},
		{"spaces and punctuation", "has spaces!", false},
		{"uppercase hex", "ABC-123", false},
		{"too long", strings.Repeat("a", 129), false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validMemoryDoc()
			doc["run_id"] = tt.runID
			_, err := ValidateMemory(marshalDoc(t, doc))
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("expected rejection of run_id %q", tt.runID)
			}
		})
	}
}

func TestValidateMemoryRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(doc map[string]interface{})
		wantErr string
	}{
		{
			name:    "wrong version",
			mutate:  func(doc map[string]interface{}) { doc["version"] = 2 },
			wantErr: "version",
		},
		{
			name:    "unknown top-level field",
			mutate:  func(doc map[string]interface{}) { doc["extra"] = true },
			wantErr: "extra: unknown field",
		},
		{
			name: "unknown entry type",
			mutate: func(doc map[string]interface{}) {
				doc["entries"] = []map[string]interface{}{{"type": "mystery"}}
			},
			wantErr: `entries[0].type: unknown entry type "mystery"`,
		},
		{
			name: "bad topic label",
			mutate: func(doc map[string]interface{}) {
				entries := doc["entries"].([]map[string]interface{})
				entries[0]["topic_label"] = "politics"
			},
			wantErr: "entries[0].topic_label",
		},
		{
			name: "bad sentiment",
			mutate: func(doc map[string]interface{}) {
				entries := doc["entries"].([]map[string]interface{})
				entries[0]["sentiment"] = "ecstatic"
			},
			wantErr: "entries[0].sentiment",
		},
		{
			name: "bad action",
			mutate: func(doc map[string]interface{}) {
				entries := doc["entries"].([]map[string]interface{})
				entries[1]["action"] = "delete"
			},
			wantErr: "entries[1].action",
		},
		{
			name: "bad timestamp",
			mutate: func(doc map[string]interface{}) {
				doc["run_start"] = "yesterday"
			},
			wantErr: "run_start",
		},
		{
			name: "negative stat",
			mutate: func(doc map[string]interface{}) {
				doc["stats"].(map[string]interface{})["upvotes"] = -1
			},
			wantErr: "stats.upvotes",
		},
		{
			name:    "missing stats",
			mutate:  func(doc map[string]interface{}) { delete(doc, "stats") },
			wantErr: "stats: is required",
		},
		{
			name: "bad entry id",
			mutate: func(doc map[string]interface{}) {
				entries := doc["entries"].([]map[string]interface{})
				entries[0]["post_id"] = "has spaces"
			},
			wantErr: "entries[0].post_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validMemoryDoc()
			tt.mutate(doc)
			_, err := ValidateMemory(marshalDoc(t, doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateMemoryEntriesBoundary(t *testing.T) {
	makeEntries := func(n int) []map[string]interface{} {
		entries := make([]map[string]interface{}, n)
		for i := range entries {
			entries[i] = map[string]interface{}{
				"type":        "post_seen",
				"post_id":     fmt.Sprintf("p_%d", i),
				"timestamp":   "2026-02-01T10:05:00Z",
				"topic_label": "other",
				"sentiment":   "neutral",
			}
		}
		return entries
	}

	doc := validMemoryDoc()
	doc["entries"] = makeEntries(MaxMemoryEntries)
	if _, err := ValidateMemory(marshalDoc(t, doc)); err != nil {
		t.Errorf("expected %d entries accepted, got %v", MaxMemoryEntries, err)
	}

	doc["entries"] = makeEntries(MaxMemoryEntries + 1)
	if _, err := ValidateMemory(marshalDoc(t, doc)); err == nil {
		t.Errorf("expected %d entries rejected", MaxMemoryEntries+1)
	}
}

func TestValidateMemoryAccumulatesIssues(t *testing.T) {
	doc := validMemoryDoc()
	doc["version"] = 9
	doc["run_id"] = "NOT VALID"
	doc["run_start"] = "bogus"

	_, err := ValidateMemory(marshalDoc(t, doc))
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Issues) < 3 {
		t.Errorf("expected at least 3 accumulated issues, got %v", verr.Issues)
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("issues should be joined with '; ': %q", err.Error())
	}
}

func TestValidateMemoryIsStable(t *testing.T) {
	// validate(json(validate(x).value)) == validate(x)
	doc, err := ValidateMemory(marshalDoc(t, validMemoryDoc()))
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}

	reserialized, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal typed doc: %v", err)
	}

	doc2, err := ValidateMemory(reserialized)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if doc2.RunID != doc.RunID || len(doc2.Entries) != len(doc.Entries) {
		t.Errorf("round-trip changed the document: %+v vs %+v", doc, doc2)
	}
}

func TestMemoryEntryJSONRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"post_made","post_id":"p1","thread_id":"t1","timestamp":"2026-02-01T10:00:00Z","action":"upvote"}`)

	var entry MemoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Type != EntryPostMade || entry.PostMade == nil || entry.PostMade.Action != "upvote" {
		t.Fatalf("bad parse: %+v", entry)
	}

	out, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back MemoryEntry
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.PostMade == nil || *back.PostMade != *entry.PostMade {
		t.Errorf("round trip mismatch: %s", out)
	}
}

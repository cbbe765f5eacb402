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
	"fmt"
	"sort"
)

// MaxMemoryBytes bounds a serialized memory file (1 MiB).
const MaxMemoryBytes = 1 << 20

// MemoryVersion is the only accepted memory-file schema version.
const MemoryVersion = 1

// EntryType discriminates the memory entry variants.
type EntryType string

const (
	EntryPostSeen      EntryType = "post_seen"
	EntryPostMade      EntryType = "post_made"
	EntryThreadTracked EntryType = "thread_tracked"
)

// Enum catalogs for memory entry fields. The proxy treats topic_label and
// sentiment as opaque: "other"/"neutral" and a computed classification are
// indistinguishable here.
var (
	TopicLabels = []string{"ai_safety", "agent_design", "moltbook_meta", "social", "technical", "other"}
	Sentiments  = []string{"positive", "neutral", "negative"}
	Actions     = []string{"reply", "new_post", "upvote"}
)

// MemoryFile is the agent's structured state snapshot, persisted append-only
// under memory/<run_id>.json. run_id accepts both a raw UUID and the
// UUID-with-checkpoint-suffix form (-cpN / -checkpointN); the proxy never
// derives checkpoint numbers itself, it only validates what the agent sends.
type MemoryFile struct {
	Version  int           `json:"version"`
	RunID    string        `json:"run_id"`
	RunStart string        `json:"run_start"`
	RunEnd   string        `json:"run_end"`
	Entries  []MemoryEntry `json:"entries"`
	Stats    MemoryStats   `json:"stats"`
}

// MemoryStats summarizes a run. All counters are non-negative.
type MemoryStats struct {
	PostsRead      int `json:"posts_read"`
	PostsMade      int `json:"posts_made"`
	Upvotes        int `json:"upvotes"`
	ThreadsTracked int `json:"threads_tracked"`
}

// PostSeenEntry records a post the agent read.
type PostSeenEntry struct {
	PostID     string `json:"post_id"`
	Timestamp  string `json:"timestamp"`
	TopicLabel string `json:"topic_label"`
	Sentiment  string `json:"sentiment"`
}

// PostMadeEntry records a write action the agent performed.
type PostMadeEntry struct {
	PostID    string `json:"post_id"`
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
}

// ThreadTrackedEntry records a conversation thread the agent is following.
type ThreadTrackedEntry struct {
	ThreadID        string `json:"thread_id"`
	TopicLabel      string `json:"topic_label"`
	FirstSeen       string `json:"first_seen"`
	LastInteraction string `json:"last_interaction"`
}

// MemoryEntry is a tagged union over the three entry variants. Exactly one
// of the variant pointers is set, matching Type.
type MemoryEntry struct {
	Type          EntryType
	PostSeen      *PostSeenEntry
	PostMade      *PostMadeEntry
	ThreadTracked *ThreadTrackedEntry
}

// UnmarshalJSON parses the type tag first, then the variant-specific fields.
func (e *MemoryEntry) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	e.Type = tag.Type

	switch tag.Type {
	case EntryPostSeen:
		var v PostSeenEntry
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.PostSeen = &v
	case EntryPostMade:
		var v PostMadeEntry
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.PostMade = &v
	case EntryThreadTracked:
		var v ThreadTrackedEntry
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.ThreadTracked = &v
	default:
		return fmt.Errorf("unknown entry type %q", tag.Type)
	}
	return nil
}

// MarshalJSON re-attaches the type tag to the active variant.
func (e MemoryEntry) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EntryPostSeen:
		return json.Marshal(struct {
			Type EntryType `json:"type"`
			*PostSeenEntry
		}{e.Type, e.PostSeen})
	case EntryPostMade:
		return json.Marshal(struct {
			Type EntryType `json:"type"`
			*PostMadeEntry
		}{e.Type, e.PostMade})
	case EntryThreadTracked:
		return json.Marshal(struct {
			Type EntryType `json:"type"`
			*ThreadTrackedEntry
		}{e.Type, e.ThreadTracked})
	default:
		return nil, fmt.Errorf("unknown entry type %q", e.Type)
	}
}

// memoryTopLevelFields is the closed set of accepted top-level keys.
var memoryTopLevelFields = map[string]bool{
	"version":   true,
	"run_id":    true,
	"run_start": true,
	"run_end":   true,
	"entries":   true,
	"stats":     true,
}

// ValidateMemory validates a serialized memory file and returns the typed
// document. On failure the returned error is a *ValidationError listing
// every issue found.
func ValidateMemory(raw []byte) (*MemoryFile, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Issues: []string{"body: must be a JSON object"}}
	}

	l := &issueList{}
	var unknown []string
	for key := range top {
		if !memoryTopLevelFields[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		l.addf(key, "unknown field")
	}

	doc := &MemoryFile{}

	if rawVersion, ok := top["version"]; !ok {
		l.addf("version", "is required")
	} else if err := json.Unmarshal(rawVersion, &doc.Version); err != nil || doc.Version != MemoryVersion {
		l.addf("version", "must be the integer %d", MemoryVersion)
	}

	if rawRunID, ok := top["run_id"]; !ok {
		l.addf("run_id", "is required")
	} else if err := json.Unmarshal(rawRunID, &doc.RunID); err != nil {
		l.addf("run_id", "must be a string")
	} else {
		checkRunID(l, "run_id", doc.RunID)
	}

	doc.RunStart = validateTimestampField(l, top, "run_start")
	doc.RunEnd = validateTimestampField(l, top, "run_end")

	if rawEntries, ok := top["entries"]; !ok {
		l.addf("entries", "is required")
	} else {
		doc.Entries = validateEntries(l, rawEntries)
	}

	if rawStats, ok := top["stats"]; !ok {
		l.addf("stats", "is required")
	} else {
		validateStats(l, rawStats, &doc.Stats)
	}

	if err := l.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func validateTimestampField(l *issueList, top map[string]json.RawMessage, field string) string {
	raw, ok := top[field]
	if !ok {
		l.addf(field, "is required")
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		l.addf(field, "must be a string")
		return ""
	}
	checkTimestamp(l, field, value)
	return value
}

func validateEntries(l *issueList, raw json.RawMessage) []MemoryEntry {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		l.addf("entries", "must be an array")
		return nil
	}
	if len(items) > MaxMemoryEntries {
		l.addf("entries", "must contain at most %d elements", MaxMemoryEntries)
		return nil
	}

	entries := make([]MemoryEntry, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("entries[%d]", i)

		var tag struct {
			Type EntryType `json:"type"`
		}
		if err := json.Unmarshal(item, &tag); err != nil {
			l.addf(path, "must be an object")
			continue
		}

		var entry MemoryEntry
		entry.Type = tag.Type
		switch tag.Type {
		case EntryPostSeen:
			var v PostSeenEntry
			if err := json.Unmarshal(item, &v); err != nil {
				l.addf(path, "invalid post_seen entry")
				continue
			}
			checkID(l, path+".post_id", v.PostID)
			checkTimestamp(l, path+".timestamp", v.Timestamp)
			checkEnum(l, path+".topic_label", v.TopicLabel, TopicLabels)
			checkEnum(l, path+".sentiment", v.Sentiment, Sentiments)
			entry.PostSeen = &v
		case EntryPostMade:
			var v PostMadeEntry
			if err := json.Unmarshal(item, &v); err != nil {
				l.addf(path, "invalid post_made entry")
				continue
			}
			checkID(l, path+".post_id", v.PostID)
			checkID(l, path+".thread_id", v.ThreadID)
			checkTimestamp(l, path+".timestamp", v.Timestamp)
			checkEnum(l, path+".action", v.Action, Actions)
			entry.PostMade = &v
		case EntryThreadTracked:
			var v ThreadTrackedEntry
			if err := json.Unmarshal(item, &v); err != nil {
				l.addf(path, "invalid thread_tracked entry")
				continue
			}
			checkID(l, path+".thread_id", v.ThreadID)
			checkEnum(l, path+".topic_label", v.TopicLabel, TopicLabels)
			checkTimestamp(l, path+".first_seen", v.FirstSeen)
			checkTimestamp(l, path+".last_interaction", v.LastInteraction)
			entry.ThreadTracked = &v
		default:
			l.addf(path+".type", "unknown entry type %q", string(tag.Type))
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func validateStats(l *issueList, raw json.RawMessage, stats *MemoryStats) {
	if err := json.Unmarshal(raw, stats); err != nil {
		l.addf("stats", "must be an object of integer counters")
		return
	}
	counters := []struct {
		path  string
		value int
	}{
		{"stats.posts_read", stats.PostsRead},
		{"stats.posts_made", stats.PostsMade},
		{"stats.upvotes", stats.Upvotes},
		{"stats.threads_tracked", stats.ThreadsTracked},
	}
	for _, c := range counters {
		if c.value < 0 {
			l.addf(c.path, "must be a non-negative integer")
		}
	}
}

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

package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"
)

// auditTimeFormat is ISO-8601 UTC with millisecond precision.
const auditTimeFormat = "2006-01-02T15:04:05.000Z"

// AuditRecord is one line of the audit trail. Every request decision
// produces exactly one record; the out-of-band analyzer joins records to
// verdicts via RequestID.
type AuditRecord struct {
	Timestamp         string   `json:"timestamp,omitempty"`
	RequestID         string   `json:"request_id,omitempty"`
	Event             string   `json:"event,omitempty"`
	Method            string   `json:"method,omitempty"`
	Hostname          string   `json:"hostname,omitempty"`
	Port              int      `json:"port,omitempty"`
	Path              string   `json:"path,omitempty"`
	Allowed           bool     `json:"allowed"`
	Sanitized         bool     `json:"sanitized"`
	DurationMS        int64    `json:"duration_ms"`
	BlockedReason     string   `json:"blocked_reason,omitempty"`
	InjectionPatterns []string `json:"injection_patterns,omitempty"`
	ResponseStatus    int      `json:"response_status,omitempty"`
}

// auditErrorRecord is the shape LogError emits.
type auditErrorRecord struct {
	Timestamp    string `json:"timestamp"`
	Level        string `json:"level"`
	Message      string `json:"message"`
	ErrorName    string `json:"error_name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Stack        string `json:"stack,omitempty"`
}

// AuditLogger appends one JSON object per line to its sink (stdout in
// production). Writes are serialized so records never interleave.
type AuditLogger struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewAuditLogger creates a logger writing JSONL to out.
func NewAuditLogger(out io.Writer) *AuditLogger {
	return &AuditLogger{out: out, now: time.Now}
}

// Log emits one audit record, stamping the timestamp if the caller omitted
// it.
func (l *AuditLogger) Log(rec AuditRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = l.now().UTC().Format(auditTimeFormat)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.LogError("failed to marshal audit record", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s\n", line)
}

// LogError emits an error-level record. The full detail, including a stack
// trace, goes to the audit sink; clients only ever see short error bodies.
func (l *AuditLogger) LogError(message string, err error) {
	rec := auditErrorRecord{
		Timestamp: l.now().UTC().Format(auditTimeFormat),
		Level:     "error",
		Message:   message,
	}
	if err != nil {
		rec.ErrorName = fmt.Sprintf("%T", err)
		rec.ErrorMessage = err.Error()
		rec.Stack = string(debug.Stack())
	}

	line, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s\n", line)
}

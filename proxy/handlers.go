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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"moltbook/proxy/shared/types"
)

func newRequestID() string {
	return uuid.NewString()
}

// validationDetails extracts the accumulated issue list for a 400 body.
func validationDetails(err error) []string {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return verr.Issues
	}
	return []string{err.Error()}
}

// handleHealth reports liveness plus the piece of config an operator wants
// to eyeball: which domains are currently reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	promRequestsTotal.WithLabelValues("local", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"allowlist_domains": s.allowlist.Snapshot().Domains(),
	})
	s.audit.Log(AuditRecord{
		RequestID:  newRequestID(),
		Method:     r.Method,
		Hostname:   "localhost",
		Path:       "/health",
		Allowed:    true,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// moltbookPost sends an authenticated write to the social upstream and
// returns its status and body.
func (s *Server) moltbookPost(r *http.Request, path string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode upstream payload: %w", err)
	}

	endpoint := strings.TrimSuffix(s.cfg.MoltbookURL, "/") + path
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.MoltbookToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// upstreamHost locates the moltbook host for audit records.
func (s *Server) upstreamHost() string {
	if u, err := url.Parse(s.cfg.MoltbookURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return s.cfg.MoltbookURL
}

// parseUpstreamBody decodes the upstream response when it is JSON, falling
// back to the raw text.
func parseUpstreamBody(body []byte) interface{} {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}

// handlePost serves POST /post. Order is fixed: parse, validate, rate
// check, injection scan, upstream call, rate record, audit, respond. Quota
// is only consumed after the upstream accepted the post.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	record := AuditRecord{
		RequestID: newRequestID(),
		Method:    http.MethodPost,
		Hostname:  s.upstreamHost(),
		Port:      443,
		Path:      "/post",
	}
	finish := func(status int) {
		record.ResponseStatus = status
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Failed to read request body"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Failed to read request body"})
		return
	}

	if !json.Valid(raw) {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Invalid JSON"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid JSON"})
		return
	}

	req, err := types.ValidatePostRequest(raw)
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Schema validation failed: " + err.Error()
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Invalid request",
			"details": validationDetails(err),
		})
		return
	}

	// Both windows must admit the post; neither is recorded yet
	for _, key := range []string{RateKeyPostHourly, RateKeyPostDaily} {
		if res := s.limiter.Check(key); !res.Allowed {
			promRequestsTotal.WithLabelValues("local", "rate_limited").Inc()
			promRateLimitDenials.WithLabelValues(key).Inc()
			record.BlockedReason = res.Reason
			finish(http.StatusTooManyRequests)
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":  "Rate limited",
				"reason": res.Reason,
			})
			return
		}
	}

	// A post that trips the scanner is never forwarded
	scan := Sanitize(req.Content)
	if scan.Sanitized {
		promRequestsTotal.WithLabelValues("local", "injection_blocked").Inc()
		for _, category := range scan.Patterns {
			promInjectionDetections.WithLabelValues(category).Inc()
		}
		record.Sanitized = true
		record.InjectionPatterns = scan.Patterns
		record.BlockedReason = "Content contains disallowed patterns"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "Content contains disallowed patterns",
			"patterns": scan.Patterns,
		})
		return
	}

	path := "/posts"
	if req.ThreadID != "" {
		path = "/posts/" + req.ThreadID + "/comments"
	}
	record.Allowed = true

	status, body, err := s.moltbookPost(r, path, req)
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "upstream_error").Inc()
		s.audit.LogError("moltbook post failed", err)
		finish(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}

	if status < 200 || status > 299 {
		promRequestsTotal.WithLabelValues("local", "upstream_error").Inc()
		finish(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           "Upstream error",
			"moltbook_status": status,
			"data":            parseUpstreamBody(body),
		})
		return
	}

	s.limiter.Record(RateKeyPostHourly)
	s.limiter.Record(RateKeyPostDaily)

	promRequestsTotal.WithLabelValues("local", "ok").Inc()
	finish(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"moltbook_status": status,
		"data":            parseUpstreamBody(body),
	})
}

// handleVote serves POST /vote. Same shape as /post with a single window.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	record := AuditRecord{
		RequestID: newRequestID(),
		Method:    http.MethodPost,
		Hostname:  s.upstreamHost(),
		Port:      443,
		Path:      "/vote",
	}
	finish := func(status int) {
		record.ResponseStatus = status
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Failed to read request body"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Failed to read request body"})
		return
	}

	if !json.Valid(raw) {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Invalid JSON"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid JSON"})
		return
	}

	req, err := types.ValidateVoteRequest(raw)
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "client_error").Inc()
		record.BlockedReason = "Schema validation failed: " + err.Error()
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Invalid request",
			"details": validationDetails(err),
		})
		return
	}

	if res := s.limiter.Check(RateKeyVoteHourly); !res.Allowed {
		promRequestsTotal.WithLabelValues("local", "rate_limited").Inc()
		promRateLimitDenials.WithLabelValues(RateKeyVoteHourly).Inc()
		record.BlockedReason = res.Reason
		finish(http.StatusTooManyRequests)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":  "Rate limited",
			"reason": res.Reason,
		})
		return
	}
	record.Allowed = true

	status, body, err := s.moltbookPost(r, "/posts/"+req.PostID+"/upvote", req)
	if err != nil {
		promRequestsTotal.WithLabelValues("local", "upstream_error").Inc()
		s.audit.LogError("moltbook vote failed", err)
		finish(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "Failed to reach upstream",
			"message": err.Error(),
		})
		return
	}

	if status < 200 || status > 299 {
		promRequestsTotal.WithLabelValues("local", "upstream_error").Inc()
		finish(http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           "Upstream error",
			"moltbook_status": status,
			"data":            parseUpstreamBody(body),
		})
		return
	}

	s.limiter.Record(RateKeyVoteHourly)

	promRequestsTotal.WithLabelValues("local", "ok").Inc()
	finish(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"moltbook_status": status,
	})
}

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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxForwardBody bounds a buffered client request body on the forwarding
// arm.
const maxForwardBody = 10 << 20

// Hop-by-hop headers never forwarded upstream.
var strippedRequestHeaders = []string{"Proxy-Connection", "Proxy-Authorization"}

// handleForward serves plain-HTTP forwarding: resolve the absolute target,
// allowlist it, relay the request, and sanitize the response body before it
// reaches the agent.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := newRequestID()

	target := resolveTarget(r)
	host := target.Hostname()
	port := targetPort(target)
	method := strings.ToUpper(r.Method)

	record := AuditRecord{
		RequestID: requestID,
		Method:    method,
		Hostname:  host,
		Port:      port,
		Path:      target.Path,
	}

	result := s.allowlist.Check(host, method, target.Path)
	if !result.Allowed {
		promRequestsTotal.WithLabelValues("forward", "blocked").Inc()
		promBlockedRequests.Inc()
		record.Allowed = false
		record.BlockedReason = result.Reason
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "Forbidden",
			"reason": result.Reason,
		})
		return
	}
	record.Allowed = true

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		buffered, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
		if err != nil {
			record.DurationMS = time.Since(start).Milliseconds()
			record.ResponseStatus = http.StatusBadRequest
			s.audit.Log(record)
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "Failed to read request body",
			})
			return
		}
		body = bytes.NewReader(buffered)
	}

	upReq, err := http.NewRequestWithContext(r.Context(), method, target.String(), body)
	if err != nil {
		record.DurationMS = time.Since(start).Milliseconds()
		record.ResponseStatus = http.StatusBadRequest
		s.audit.Log(record)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request target",
		})
		return
	}

	upReq.Header = r.Header.Clone()
	for _, h := range strippedRequestHeaders {
		upReq.Header.Del(h)
	}

	resp, err := s.client.Do(upReq)
	if err != nil {
		promRequestsTotal.WithLabelValues("forward", "upstream_error").Inc()
		record.DurationMS = time.Since(start).Milliseconds()
		record.ResponseStatus = http.StatusBadGateway
		s.audit.Log(record)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "Bad Gateway",
			"message": err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		promRequestsTotal.WithLabelValues("forward", "upstream_error").Inc()
		record.DurationMS = time.Since(start).Milliseconds()
		record.ResponseStatus = http.StatusBadGateway
		s.audit.Log(record)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "Bad Gateway",
			"message": "Failed to read upstream response",
		})
		return
	}

	sanitized := Sanitize(string(respBody))
	if sanitized.Sanitized {
		record.Sanitized = true
		record.InjectionPatterns = sanitized.Patterns
		for _, category := range sanitized.Patterns {
			promInjectionDetections.WithLabelValues(category).Inc()
		}
	}

	// Forward headers, but the body may have changed size and the
	// connection always closes
	header := w.Header()
	for name, values := range resp.Header {
		if name == "Transfer-Encoding" || name == "Content-Length" {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set("Connection", "close")
	header.Set("Content-Length", strconv.Itoa(len(sanitized.Content)))

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(sanitized.Content))

	promRequestsTotal.WithLabelValues("forward", "ok").Inc()
	record.ResponseStatus = resp.StatusCode
	record.DurationMS = time.Since(start).Milliseconds()
	s.audit.Log(record)
}

// resolveTarget builds the absolute upstream URL from an absolute-form
// request line or from the Host header plus origin-form path.
func resolveTarget(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	target := *r.URL
	target.Scheme = "http"
	target.Host = r.Host
	return &target
}

// targetPort returns the explicit or scheme-default port.
func targetPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			return port
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

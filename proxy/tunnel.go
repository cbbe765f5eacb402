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
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// handleTunnel serves the CONNECT arm: allowlist the target host, dial it,
// then splice bytes both ways until either side closes. No TLS
// interception, no content inspection inside the tunnel.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := newRequestID()
	host, port := splitConnectTarget(r.Host)

	result := s.allowlist.Check(host, http.MethodConnect, "")
	if !result.Allowed {
		promRequestsTotal.WithLabelValues("tunnel", "blocked").Inc()
		promBlockedRequests.Inc()
		s.audit.Log(AuditRecord{
			RequestID:     requestID,
			Method:        http.MethodConnect,
			Hostname:      host,
			Port:          port,
			Allowed:       false,
			BlockedReason: result.Reason,
			DurationMS:    time.Since(start).Milliseconds(),
		})
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "Forbidden",
			"reason": result.Reason,
		})
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), upstreamTimeout)
	if err != nil {
		promRequestsTotal.WithLabelValues("tunnel", "upstream_error").Inc()
		s.audit.Log(AuditRecord{
			RequestID:      requestID,
			Method:         http.MethodConnect,
			Hostname:       host,
			Port:           port,
			Allowed:        true,
			ResponseStatus: http.StatusBadGateway,
			DurationMS:     time.Since(start).Milliseconds(),
		})
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "Bad Gateway",
			"message": "Failed to connect to upstream",
		})
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		s.audit.LogError("response writer does not support hijacking", nil)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Internal error",
		})
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		s.audit.LogError("failed to hijack client connection", err)
		return
	}

	// The 200 goes out raw: the connection now carries opaque bytes, and
	// any error from here on tears both sides down silently.
	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}
	if err := clientBuf.Flush(); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	promActiveTunnels.Inc()
	defer promActiveTunnels.Dec()

	done := make(chan struct{}, 2)
	go func() {
		// clientBuf first: it may hold bytes the client sent behind the
		// CONNECT head
		_, _ = io.Copy(upstream, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, upstream)
		done <- struct{}{}
	}()

	// Closure of either end tears down the other
	<-done
	clientConn.Close()
	upstream.Close()
	<-done

	promRequestsTotal.WithLabelValues("tunnel", "ok").Inc()
	s.audit.Log(AuditRecord{
		RequestID:  requestID,
		Method:     http.MethodConnect,
		Hostname:   host,
		Port:       port,
		Allowed:    true,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// splitConnectTarget parses the CONNECT authority, defaulting to port 443.
func splitConnectTarget(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 443
	}
	return host, port
}

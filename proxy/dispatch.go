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
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeHTTP is the single-port dispatcher. Three arms, chosen by method and
// target: CONNECT tunnels, remote-host forwarding, and the local endpoint
// set. Forwarding and local responses always close the connection; a
// tunnel owns its connection until either side hangs up.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleTunnel(w, r)
		return
	}

	if r.URL.IsAbs() || !s.isLocalHost(r.Host) {
		s.handleForward(w, r)
		return
	}

	s.router.ServeHTTP(w, r)
}

// newLocalRouter builds the local-endpoint arm.
func (s *Server) newLocalRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/post", s.handlePost).Methods("POST")
	r.HandleFunc("/vote", s.handleVote).Methods("POST")
	r.HandleFunc("/memory", s.handleMemoryWrite).Methods("POST")
	r.HandleFunc("/memory/latest", s.handleMemoryLatest).Methods("GET")
	r.HandleFunc("/memory/{run_id}", s.handleMemoryGet).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)
	return r
}

// isLocalHost reports whether the Host header names this proxy rather than
// a remote origin. Origin-form requests from the co-located agent arrive
// with the proxy's own address (or a loopback name) in Host.
func (s *Server) isLocalHost(hostport string) bool {
	if hostport == "" {
		return true
	}
	host := hostport
	if h, port, err := net.SplitHostPort(hostport); err == nil {
		if port != s.cfg.Port {
			return false
		}
		host = h
	}
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	if hostname, err := os.Hostname(); err == nil && strings.EqualFold(host, hostname) {
		return true
	}
	return false
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	promRequestsTotal.WithLabelValues("local", "not_found").Inc()
	s.audit.Log(AuditRecord{
		RequestID:     newRequestID(),
		Method:        r.Method,
		Hostname:      "localhost",
		Path:          r.URL.Path,
		Allowed:       false,
		BlockedReason: "Unknown endpoint: " + r.URL.Path,
		DurationMS:    time.Since(start).Milliseconds(),
	})
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "Not found",
		"path":  r.URL.Path,
	})
}

// writeJSON writes a JSON response body with Connection: close, matching
// the no-keep-alive connection state machine.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

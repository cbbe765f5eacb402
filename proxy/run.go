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
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"moltbook/proxy/shared/logger"
	"moltbook/proxy/storage"
)

// Moltbook Egress Proxy - the sole network path out of the agent sandbox.
// Enforces the domain allowlist, scans for prompt injection, fronts the
// write endpoints, and emits the audit trail.

const (
	// maxRequestHead bounds the request line plus headers.
	maxRequestHead = 64 << 10

	// upstreamTimeout bounds every content fetch to the outside world.
	upstreamTimeout = 10 * time.Second

	// storeTimeout bounds blob uploads, which may carry a full 1 MiB body.
	storeTimeout = 30 * time.Second

	// shutdownGrace is how long in-flight connections get to finish.
	shutdownGrace = 10 * time.Second
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_proxy_requests_total",
			Help: "Total requests processed, by dispatch arm and outcome",
		},
		[]string{"arm", "outcome"},
	)
	promBlockedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "egress_proxy_blocked_requests_total",
			Help: "Total requests denied by the allowlist",
		},
	)
	promInjectionDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_proxy_injection_detections_total",
			Help: "Injection pattern detections, by category",
		},
		[]string{"category"},
	)
	promRateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_proxy_rate_limit_denials_total",
			Help: "Requests denied by a rate window",
		},
		[]string{"key"},
	)
	promActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "egress_proxy_active_tunnels",
			Help: "CONNECT tunnels currently open",
		},
	)
	promMemoryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_proxy_memory_writes_total",
			Help: "Memory blob writes, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promBlockedRequests)
	prometheus.MustRegister(promInjectionDetections)
	prometheus.MustRegister(promRateLimitDenials)
	prometheus.MustRegister(promActiveTunnels)
	prometheus.MustRegister(promMemoryWrites)
}

// Config holds the environment-sourced settings, read once at startup.
type Config struct {
	Port             string
	AllowlistPath    string
	MoltbookURL      string
	MoltbookToken    string
	StorageBackend   string
	StorageAccount   string
	StorageContainer string
	S3Bucket         string
	GCSBucket        string
}

// ConfigFromEnv reads the proxy configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		Port:             getEnv("PORT", "3128"),
		AllowlistPath:    getEnv("ALLOWLIST_CONFIG", "/etc/proxy/allowlist.json"),
		MoltbookURL:      getEnv("MOLTBOOK_API_URL", "https://www.moltbook.com/api/v1"),
		MoltbookToken:    os.Getenv("MOLTBOOK_API_TOKEN"),
		StorageBackend:   getEnv("STORAGE_BACKEND", "azure"),
		StorageAccount:   os.Getenv("STORAGE_ACCOUNT"),
		StorageContainer: os.Getenv("STORAGE_CONTAINER"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		GCSBucket:        os.Getenv("GCS_BUCKET"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// openStore builds the blob store for the configured backend.
func openStore(ctx context.Context, cfg Config) (storage.BlobStore, error) {
	switch cfg.StorageBackend {
	case "azure":
		return storage.NewAzureBlobStore(cfg.StorageAccount, cfg.StorageContainer)
	case "s3":
		return storage.NewS3Store(ctx, cfg.S3Bucket)
	case "gcs":
		return storage.NewGCSStore(ctx, cfg.GCSBucket)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Server is the proxy core. One instance owns the listener, the dispatch
// arms, and the shared state: the allowlist holder, the rate windows, the
// audit sink, and the blob store. Each accepted connection is handled on
// its own goroutine by net/http; no global lock is held across I/O.
type Server struct {
	cfg       Config
	allowlist *Allowlist
	limiter   *RateLimiter
	audit     *AuditLogger
	store     storage.BlobStore
	log       *logger.Logger
	client    *http.Client
	startTime time.Time
	router    http.Handler
}

// NewServer wires the proxy core together.
func NewServer(cfg Config, allowlist *Allowlist, store storage.BlobStore, audit *AuditLogger, opLog *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		allowlist: allowlist,
		limiter:   NewRateLimiter(),
		audit:     audit,
		store:     store,
		log:       opLog,
		client: &http.Client{
			Timeout: upstreamTimeout,
		},
		startTime: time.Now(),
	}
	s.router = s.newLocalRouter()
	return s
}

// Run is the exported entry point for the proxy service.
func Run() {
	cfg := ConfigFromEnv()
	opLog := logger.New("egress-proxy")

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		log.Fatalf("Failed to load allowlist: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	if cfg.MoltbookToken == "" {
		opLog.Warn("MOLTBOOK_API_TOKEN not set - write endpoints will fail upstream", nil)
	}

	srv := NewServer(cfg, allowlist, store, NewAuditLogger(os.Stdout), opLog)
	if err := srv.Serve(); err != nil {
		opLog.ErrorWithErr("proxy exited", err, nil)
		os.Exit(1)
	}
}

// Serve listens on the configured port and supervises the process signals:
// SIGHUP reloads the allowlist, SIGTERM/SIGINT drain and stop. Returns nil
// after a clean drain; an error when the drain deadline was exceeded or the
// listener failed.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.cfg.Port, err)
	}

	httpSrv := &http.Server{
		Handler:        s,
		MaxHeaderBytes: maxRequestHead,
	}
	// Every response carries Connection: close; no keep-alive
	httpSrv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(listener)
	}()

	s.log.Info("egress proxy listening", map[string]interface{}{
		"port":    s.cfg.Port,
		"domains": s.allowlist.Snapshot().Domains(),
		"backend": s.cfg.StorageBackend,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := s.allowlist.Reload(); err != nil {
					// Keep the previous config; enforcement never lapses
					s.audit.LogError("allowlist reload failed, keeping previous config", err)
					s.log.ErrorWithErr("allowlist reload failed", err, nil)
					continue
				}
				s.log.Info("allowlist reloaded", map[string]interface{}{
					"domains": s.allowlist.Snapshot().Domains(),
				})
				continue
			}

			s.audit.Log(AuditRecord{Event: "shutdown", Allowed: true})
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			err := httpSrv.Shutdown(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("graceful shutdown incomplete after %s: %w", shutdownGrace, err)
			}
			return nil
		}
	}
}

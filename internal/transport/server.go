// Package transport implements the HTTP + server-sent events surface the
// core exposes externally: starting runs, streaming their events, resolving
// approvals, and inspecting session state. It wraps the typed API the
// kernel packages already expose; none of the orchestration logic lives
// here beyond wiring request to call and call to response.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anvil-run/anvil/internal/approval"
	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/memory"
	"github.com/anvil-run/anvil/internal/obsv"
	"github.com/anvil-run/anvil/internal/promptassembly"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/internal/skills"
	"github.com/anvil-run/anvil/internal/streamfanout"
	"github.com/anvil-run/anvil/internal/toolkernel"
)

// Version is the build-reported version string returned by GET /v1/health.
// cmd/anvild's serve command sets it at startup from the build version that
// -ldflags stamps into package main.
var Version = "dev"

// Config wires every kernel module the transport layer fronts.
type Config struct {
	Runs     *runmanager.Manager
	Ledger   ledger.Ledger
	Kernel   *toolkernel.Kernel
	Gate     *approval.Gate
	Fanout   *streamfanout.Fanout
	Engine   *engine.Adapter
	Assemble *promptassembly.Assembler
	Skills   *skills.Registry
	Memory   *memory.Service
	Metrics  *obsv.Metrics

	// BasePrompt seeds every assembled system prompt, ahead of the
	// workspace/memory/skills sections.
	BasePrompt string
	// DefaultModel is used when a run request omits model.
	DefaultModel string
	// DefaultWorkspace is used when a run request omits workspace.
	DefaultWorkspace string

	Logger *slog.Logger
}

// Server is the HTTP + SSE front door onto the kernel.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux

	httpServer   *http.Server
	httpListener net.Listener
}

// New builds a Server and registers every route. It does not start
// listening; call Start for that.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: cfg.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/health", s.withMetrics("/v1/health", s.handleHealth))
	s.mux.HandleFunc("/v1/runs", s.withMetrics("/v1/runs", s.handleRuns))
	s.mux.HandleFunc("/v1/runs/", s.withMetrics("/v1/runs/", s.handleRunsSubpath))
	s.mux.HandleFunc("/v1/approvals/", s.withMetrics("/v1/approvals/", s.handleApprovalResolve))
	s.mux.HandleFunc("/v1/sessions/list", s.withMetrics("/v1/sessions/list", s.handleSessionsList))
	s.mux.HandleFunc("/v1/sessions/", s.withMetrics("/v1/sessions/", s.handleSessionState))
	if s.cfg.Metrics != nil {
		s.mux.Handle("/metrics", promhttp.Handler())
	}
}

// withMetrics records HTTPRequestDuration for route, mirroring the
// gateway's own request instrumentation. It is a no-op wrapper when no
// Metrics were configured, e.g. in tests.
func (s *Server) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.cfg.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

// statusRecorder captures the status code an http.HandlerFunc wrote so
// middleware can label metrics after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler exposes the registered mux, e.g. for wrapping in middleware or
// testing with httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds addr and begins serving in the background. Start returns
// once the listener is open; Serve errors other than a clean Shutdown are
// logged, not returned.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpListener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("transport: server error", "error", err)
		}
	}()

	s.log.Info("transport: listening", "addr", addr)
	return nil
}

// Shutdown gracefully drains in-flight requests, including open SSE
// streams, until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

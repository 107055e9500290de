// Package ops serves /healthz, /metrics and optionally /debug/pprof on a
// private address.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rtsup "chanpost/internal/runtime/supervisor"
	logx "chanpost/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9470"

	shutdownGrace = 2 * time.Second
)

// Config is validated upstream: a non-loopback Addr comes with a Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// HealthFunc reports readiness. An error turns /healthz into a 503.
type HealthFunc func(ctx context.Context) error

type Server struct {
	gatherer prometheus.Gatherer
	health   HealthFunc
	log      logx.Logger

	mu    sync.Mutex
	cfg   Config
	sup   *rtsup.Supervisor
	bound string
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, gatherer: gatherer, health: health, log: log.With(logx.String("comp", "ops"))}
}

// Addr is the listening address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Start serves in the background when enabled. A failed bind is retried
// with backoff. Calling Start while running does nothing.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Token == "" && !IsLoopbackAddr(cfg.Addr) {
		s.log.Warn("ops server has no token on a public address", logx.String("addr", cfg.Addr))
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("ops.http", func(c context.Context) error { return s.serve(c, cfg) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits for it, at most until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops server stop timed out")
		return
	}
	s.log.Info("ops server stopped")
}

// Reconfigure applies cfg, restarting the listener when anything changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed, running := s.cfg != cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()
	if running && changed {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// serve runs one listener until ctx ends. A clean return happens only on
// shutdown.
func (s *Server) serve(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.setBound(ln.Addr().String())
	defer s.setBound("")
	s.log.Info("ops server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) setBound(addr string) {
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
}

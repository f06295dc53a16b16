// Package endpoint hosts the Prometheus pull endpoint: it owns the metric
// registries and starts/stops the HTTP listener that exposes one of them.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-prometheus/internal/metrics"
)

// ErrAlreadyStarted is returned by Start when the listener is already open.
var ErrAlreadyStarted = errors.New("endpoint already started")

const defaultShutdownGrace = 5 * time.Second

// Config controls the listener and route.
type Config struct {
	Enabled       bool
	Host          string
	Port          int
	Path          string
	RegistryName  string
	ShutdownGrace time.Duration
}

// Task is a background job whose lifetime is bound to the endpoint.
type Task interface {
	Stop()
}

// TaskFunc adapts a function to Task.
type TaskFunc func()

// Stop calls f.
func (f TaskFunc) Stop() { f() }

// Host owns the registries and the HTTP listener serving the active one.
type Host struct {
	cfg        Config
	registries *metrics.Set
	logger     *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan struct{}
	tasks    []Task
}

// New creates a Host. A nil registries set gets a fresh one.
func New(cfg Config, registries *metrics.Set, logger *zap.Logger) *Host {
	if registries == nil {
		registries = metrics.NewSet()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Host{
		cfg:        cfg,
		registries: registries,
		logger:     logger,
	}
}

// Registry returns the configured registry, creating it on first use.
func (h *Host) Registry() *metrics.Registry {
	return h.registries.Get(h.cfg.RegistryName)
}

// Route is the path the registry is served on.
func (h *Host) Route() string {
	return "/" + strings.Trim(h.cfg.Path, "/")
}

// Handler builds the router: a single GET route rendering the configured
// registry in the Prometheus exposition format.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, h.Route(), promhttp.HandlerFor(h.Registry().Gatherer(), promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(h.logger),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return r
}

func (h *Host) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("scrape served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start binds host:port and serves the handler in the background. It is a
// no-op when the endpoint is disabled. Bind failures are returned.
func (h *Host) Start(ctx context.Context) error {
	if !h.cfg.Enabled {
		h.logger.Info("prometheus endpoint disabled")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("prometheus endpoint stopped unexpectedly", zap.Error(err))
		}
	}()

	h.server = srv
	h.listener = ln
	h.served = served
	h.logger.Info("prometheus endpoint listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", h.Route()),
		zap.String("registry", h.cfg.RegistryName),
	)
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// AddTask binds a background task to the endpoint; Stop stops it.
func (h *Host) AddTask(t Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, t)
}

// Stop stops tracked tasks, then shuts the listener down, letting in-flight
// scrapes finish within the shutdown grace period. Safe to call repeatedly
// and when never started.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	tasks := h.tasks
	srv := h.server
	served := h.served
	h.tasks = nil
	h.server = nil
	h.listener = nil
	h.served = nil
	h.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		if closeErr := srv.Close(); closeErr != nil {
			h.logger.Warn("prometheus endpoint close failed", zap.Error(closeErr))
		}
		return fmt.Errorf("shutdown prometheus endpoint: %w", err)
	}
	<-served
	h.logger.Info("prometheus endpoint stopped")
	return nil
}

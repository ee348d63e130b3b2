// Package runtime owns process-wide plumbing: OpenTelemetry providers and
// the optional health and metrics HTTP endpoint.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mooretm/yes-no/internal/config"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	addr           string
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	status         atomic.Pointer[func() any]
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
	}
}

// Start installs the telemetry providers and, when http.enabled is set,
// serves /healthz, /readyz, /metrics and /status in the background.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if !r.cfg.HTTP.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("http endpoint started", slog.String("addr", r.addr))
	return nil
}

// Addr is the bound HTTP address, empty when the endpoint is disabled.
func (r *Runtime) Addr() string { return r.addr }

// SetReady flips /readyz.
func (r *Runtime) SetReady(ready bool) { r.ready.Store(ready) }

// SetStatus registers the function whose result /status serves as JSON.
func (r *Runtime) SetStatus(fn func() any) { r.status.Store(&fn) }

// Shutdown stops the HTTP endpoint and flushes telemetry.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.ready.Store(false)
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	fn := r.status.Load()
	if fn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode((*fn)()); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}

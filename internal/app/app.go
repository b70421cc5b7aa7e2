// Package app wires all Lovenote subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the WebSocket gateway,
// the health endpoints, and the Prometheus scrape endpoint onto one mux;
// Run serves until the context is cancelled; Shutdown tears down all live
// sessions in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lovenote-ai/lovenote/internal/config"
	"github.com/lovenote-ai/lovenote/internal/health"
	"github.com/lovenote-ai/lovenote/internal/observe"
	"github.com/lovenote-ai/lovenote/internal/server"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// stopTimeout bounds the listener drain when Run's context is cancelled.
const stopTimeout = 5 * time.Second

// App owns the gateway and the HTTP server serving it.
type App struct {
	cfg     *config.Config
	gateway *server.Gateway
	srv     *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New wires the gateway, health handler, and metrics endpoint into an App.
// Every configured provider mode is constructed once so that bad provider
// configuration fails here rather than on the first client connection.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	gw := server.New(cfg, reg, server.WithMetrics(o.metrics))

	if err := gw.ValidateModes(); err != nil {
		gw.Close()
		return nil, fmt.Errorf("app: validate modes: %w", err)
	}

	// HTTP endpoints go through the tracing middleware. The WebSocket route
	// is mounted outside it: the middleware's response wrapper would hide the
	// Hijacker the upgrade needs, and a span per multi-minute connection is
	// not useful anyway.
	httpMux := http.NewServeMux()
	health.New(gw).Register(httpMux)
	httpMux.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/", observe.Middleware(o.metrics)(httpMux))

	return &App{
		cfg:     cfg,
		gateway: gw,
		srv: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

// Handler returns the root HTTP handler. Intended for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// Run serves HTTP until ctx is cancelled, then drains the listener. Live
// WebSocket sessions are not waited on here; Shutdown closes them.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("app: drain listener: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown closes all live sessions. It respects the context deadline: if ctx
// expires before teardown completes, the context error is returned and the
// remaining teardown finishes in the background.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.gateway.SessionCount())

		done := make(chan struct{})
		go func() {
			a.gateway.Close()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("shutdown complete")
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}

// Package server implements the WebSocket connection gateway: admission
// control, per-connection sessions, the conversation loop between the STT
// stream, the engine, and the speaker, and provider mode switching.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lovenote-ai/lovenote/internal/config"
	"github.com/lovenote-ai/lovenote/internal/observe"
	"github.com/lovenote-ai/lovenote/internal/ratelimit"
	"github.com/lovenote-ai/lovenote/pkg/types"
)

// errUnknownMode is returned by buildProviders for a mode name absent from
// the configuration.
var errUnknownMode = errors.New("server: unknown mode")

// Gateway accepts WebSocket connections, enforces admission limits, and runs
// one [Session] per connection.
type Gateway struct {
	cfg      *config.Config
	registry *config.Registry
	limiter  *ratelimit.Limiter
	manager  *Manager
	metrics  *observe.Metrics
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithMetrics overrides the metrics instance. Intended for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a [Gateway] for the given configuration and provider registry.
// Call [Gateway.Close] to release the rate limiter and live sessions.
func New(cfg *config.Config, registry *config.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		limiter:  ratelimit.New(cfg.Limits.RateLimitWindow, cfg.Limits.RateLimitMax),
		manager:  NewManager(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// ValidateModes constructs the provider set of every configured mode once and
// discards it, so misconfigured credentials or unregistered provider names
// surface at startup instead of on the first connection.
func (g *Gateway) ValidateModes() error {
	for mode := range g.cfg.Modes {
		if _, err := g.buildProviders(mode); err != nil {
			return err
		}
	}
	return nil
}

// SessionCount returns the number of live sessions, for the health endpoint.
func (g *Gateway) SessionCount() int {
	return g.manager.Count()
}

// Close tears down all live sessions and stops the rate limiter sweep.
func (g *Gateway) Close() {
	g.manager.CloseAll()
	g.limiter.Dispose()
}

// ServeHTTP upgrades the request to a WebSocket and runs the session until
// the connection ends. Admission refusals close the socket with status 1008
// before any session state exists.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ip := remoteIP(r)
	if refusal, ok := g.admit(r.Context(), ip); !ok {
		c.Close(websocket.StatusPolicyViolation, refusal)
		return
	}

	providers, err := g.buildProviders(g.cfg.DefaultMode)
	if err != nil {
		slog.Error("default mode providers unavailable", "mode", g.cfg.DefaultMode, "error", err)
		c.Close(websocket.StatusInternalError, "configuration error")
		return
	}

	s := newSession(sessionConfig{
		id:             uuid.NewString(),
		conn:           c,
		manager:        g.manager,
		metrics:        g.metrics,
		idleTimeout:    g.cfg.Limits.IdleTimeout,
		providers:      providers,
		buildProviders: g.buildProviders,
	})
	if !g.manager.tryAdd(s, g.cfg.Limits.MaxConnections) {
		g.metrics.RecordAdmissionRejection(r.Context(), "capacity")
		slog.Info("connection refused", "remote", ip, "reason", "capacity")
		c.Close(websocket.StatusPolicyViolation, "server at capacity")
		return
	}

	g.metrics.ActiveSessions.Add(r.Context(), 1)
	defer g.metrics.ActiveSessions.Add(r.Context(), -1)

	s.run(r.Context())
}

// admit applies the per-IP rate limit gate. The connection cap is enforced by
// [Manager.tryAdd] when the session claims its slot, so counting and
// registering happen under one lock. On refusal it returns the close reason
// for the 1008.
func (g *Gateway) admit(ctx context.Context, ip string) (string, bool) {
	if !g.limiter.Check(ip) {
		g.metrics.RecordAdmissionRejection(ctx, "rate_limit")
		slog.Info("connection refused", "remote", ip, "reason", "rate limit")
		return "rate limit exceeded", false
	}
	return "", true
}

// buildProviders constructs the full provider set for a configured mode.
func (g *Gateway) buildProviders(mode string) (providerSet, error) {
	mc, ok := g.cfg.Modes[mode]
	if !ok {
		return providerSet{}, fmt.Errorf("%w: %q", errUnknownMode, mode)
	}

	sttProv, err := g.registry.CreateSTT(mc.STT)
	if err != nil {
		return providerSet{}, fmt.Errorf("server: mode %q: %w", mode, err)
	}
	ttsProv, err := g.registry.CreateTTS(mc.TTS)
	if err != nil {
		return providerSet{}, fmt.Errorf("server: mode %q: %w", mode, err)
	}
	llmProv, err := g.registry.CreateLLM(mc.LLM)
	if err != nil {
		return providerSet{}, fmt.Errorf("server: mode %q: %w", mode, err)
	}

	voice := types.VoiceProfile{Provider: mc.TTS.Name}
	if id, ok := mc.TTS.Options["voice_id"].(string); ok {
		voice.ID = id
	}

	return providerSet{
		mode:    mode,
		stt:     sttProv,
		tts:     ttsProv,
		llm:     llmProv,
		voice:   voice,
		sttName: mc.STT.Name,
		llmName: mc.LLM.Name,
	}, nil
}

// remoteIP extracts the client IP used as the rate-limit key.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package config provides the configuration schema, loader, and provider
// registry for the Lovenote voice session server.
package config

import "time"

// LogLevel controls log verbosity for the Lovenote server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Lovenote.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Limits LimitsConfig `yaml:"limits"`

	// DefaultMode names the mode in Modes that new sessions start with.
	DefaultMode string `yaml:"default_mode"`

	// Modes maps mode names to provider bundles. Clients switch between them
	// at runtime with the set_mode control action.
	Modes map[string]ModeConfig `yaml:"modes"`
}

// ServerConfig holds network and logging settings for the Lovenote server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LimitsConfig holds admission and reclamation limits. Zero values fall back
// to the defaults applied by [ApplyDefaults].
type LimitsConfig struct {
	// IdleTimeout is how long a connection may stay silent before the server
	// tears the session down and closes the socket.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RateLimitWindow is the admission rate-limit window per client IP.
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// RateLimitMax is the number of connection attempts allowed per IP per window.
	RateLimitMax int `yaml:"rate_limit_max"`

	// MaxConnections is the hard cap on simultaneously open sessions.
	MaxConnections int `yaml:"max_connections"`
}

// Default limit values, applied by [ApplyDefaults] where the YAML leaves a
// field unset.
const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultRateLimitWindow = time.Minute
	DefaultRateLimitMax    = 20
	DefaultMaxConnections  = 20
)

// ApplyDefaults fills unset limit fields with the package defaults.
func (l *LimitsConfig) ApplyDefaults() {
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = DefaultIdleTimeout
	}
	if l.RateLimitWindow <= 0 {
		l.RateLimitWindow = DefaultRateLimitWindow
	}
	if l.RateLimitMax <= 0 {
		l.RateLimitMax = DefaultRateLimitMax
	}
	if l.MaxConnections <= 0 {
		l.MaxConnections = DefaultMaxConnections
	}
}

// ModeConfig is one named bundle of provider selections. A session always
// uses the providers of exactly one mode; set_mode swaps the whole bundle
// atomically, never one port at a time.
type ModeConfig struct {
	// Label is the human-readable mode name shown to clients (e.g., "Cloud").
	Label string `yaml:"label"`

	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

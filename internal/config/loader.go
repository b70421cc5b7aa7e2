package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references in the file are expanded from the environment before
// parsing so API keys can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies limit defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Limits.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Modes
	if len(cfg.Modes) == 0 {
		errs = append(errs, errors.New("modes: at least one provider mode is required"))
	}
	if cfg.DefaultMode == "" {
		errs = append(errs, errors.New("default_mode is required"))
	} else if _, ok := cfg.Modes[cfg.DefaultMode]; !ok && len(cfg.Modes) > 0 {
		errs = append(errs, fmt.Errorf("default_mode %q does not name a configured mode", cfg.DefaultMode))
	}

	for name, mode := range cfg.Modes {
		prefix := fmt.Sprintf("modes.%s", name)
		if mode.STT.Name == "" {
			errs = append(errs, fmt.Errorf("%s.stt.name is required", prefix))
		}
		if mode.TTS.Name == "" {
			errs = append(errs, fmt.Errorf("%s.tts.name is required", prefix))
		}
		if mode.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("%s.llm.name is required", prefix))
		}

		validateProviderName("stt", mode.STT.Name)
		validateProviderName("tts", mode.TTS.Name)
		validateProviderName("llm", mode.LLM.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

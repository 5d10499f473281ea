package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	} else if !strings.HasPrefix(cfg.Agent.URL, "ws://") && !strings.HasPrefix(cfg.Agent.URL, "wss://") {
		errs = append(errs, fmt.Errorf("agent.url %q must use the ws:// or wss:// scheme", cfg.Agent.URL))
	}
	if cfg.Agent.Modality != "" && !cfg.Agent.Modality.IsValid() {
		errs = append(errs, fmt.Errorf("agent.modality %q is invalid; valid values: audio, text", cfg.Agent.Modality))
	}

	if cfg.Translate.URL == "" {
		errs = append(errs, errors.New("translate.url is required"))
	}
	if cfg.Translate.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("translate.timeout_seconds %d must not be negative", cfg.Translate.TimeoutSeconds))
	}

	if cfg.Languages.Practice == "" {
		errs = append(errs, errors.New("languages.practice is required"))
	}
	if cfg.Languages.Native == "" {
		errs = append(errs, errors.New("languages.native is required"))
	}
	if cfg.Languages.Practice != "" && cfg.Languages.Practice == cfg.Languages.Native {
		errs = append(errs, fmt.Errorf("languages.practice and languages.native are both %q; the pair must differ", cfg.Languages.Practice))
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; finished sessions will not be archived")
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level to its slog equivalent. Unset or
// unrecognised levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

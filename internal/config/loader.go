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
	"separate":   {"demucs"},
	"pitch":      {"crepe"},
	"transcribe": {"shared", "groq", "native"},
	"lyrics":     {"lrclib", "textsite"},
	"judge":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

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

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Core stores
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if cfg.Blobstore.BaseURL == "" || cfg.Blobstore.Bucket == "" {
		errs = append(errs, errors.New("blobstore.base_url and blobstore.bucket are required"))
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; the artifact cache runs on the hot tier only")
	}

	// Providers
	validateProviderName("separate", cfg.Providers.Separate.Name)
	validateProviderName("pitch", cfg.Providers.Pitch.Name)
	if cfg.Providers.Separate.BaseURL == "" {
		errs = append(errs, errors.New("providers.separate.base_url is required"))
	}
	if cfg.Providers.Pitch.BaseURL == "" {
		errs = append(errs, errors.New("providers.pitch.base_url is required"))
	}
	for i, tier := range cfg.Providers.Transcribe.Chain {
		if tier.Name == "" {
			errs = append(errs, fmt.Errorf("providers.transcribe.chain[%d].name is required", i))
			continue
		}
		validateProviderName("transcribe", tier.Name)
	}
	if len(cfg.Providers.Transcribe.Chain) == 0 {
		slog.Warn("providers.transcribe.chain is empty; lyrics accuracy will always be degraded")
	}
	for i, src := range cfg.Providers.Lyrics.Chain {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("providers.lyrics.chain[%d].name is required", i))
			continue
		}
		validateProviderName("lyrics", src.Name)
	}
	for label, tier := range map[string]*ProviderEntry{
		"primary":   cfg.Providers.Judge.Primary,
		"secondary": cfg.Providers.Judge.Secondary,
	} {
		if tier == nil {
			continue
		}
		if tier.Name == "" {
			errs = append(errs, fmt.Errorf("providers.judge.%s.name is required", label))
			continue
		}
		validateProviderName("judge", tier.Name)
		if tier.Model == "" {
			errs = append(errs, fmt.Errorf("providers.judge.%s.model is required", label))
		}
	}
	if cfg.Providers.Judge.Primary == nil && cfg.Providers.Judge.Secondary != nil {
		errs = append(errs, errors.New("providers.judge.secondary is set without a primary"))
	}
	if cfg.Providers.Judge.Primary == nil {
		slog.Warn("providers.judge has no LLM tier; jury comments come from the built-in banks")
	}

	// Extraction command template
	if len(cfg.Extract.Command) > 0 {
		hasURL := slices.ContainsFunc(cfg.Extract.Command, func(arg string) bool {
			return strings.Contains(arg, "{url}")
		})
		hasDest := slices.ContainsFunc(cfg.Extract.Command, func(arg string) bool {
			return strings.Contains(arg, "{dest}")
		})
		if !hasURL || !hasDest {
			errs = append(errs, errors.New("extract.command must contain the {url} and {dest} placeholders"))
		}
	} else {
		slog.Warn("extract.command is empty; sessions for uncached references will fail to prepare")
	}

	// Worker
	if cfg.Worker.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency %d is negative", cfg.Worker.Concurrency))
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

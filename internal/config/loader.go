package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// LogLevel is a validated server log-verbosity setting.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
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
	applyDefaults(cfg)

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the numeric tunables with the values described in the
// component design before the YAML decode overlays any explicit settings.
func applyDefaults(cfg *Config) {
	cfg.Store.EmbeddingDimensions = 1536
	cfg.Store.MaxConns = 10
	cfg.Judgment.NeighborCount = 5
	cfg.Judgment.ScoreFloor = 0.7
	cfg.Retrieval.DefaultLimit = 10
	cfg.Retrieval.MaxGraphEntities = 10
	cfg.Retrieval.MaxRelatedMemories = 20
	cfg.Pipeline.SummarizeThreshold = 10
	cfg.Pipeline.RedactSensitiveFields = true
	cfg.Task.Concurrency = 2
	cfg.Task.Prefetch = 1
	cfg.Task.MaxRetries = 3
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required"))
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions must be positive"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("providers.llm.name is required"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, fmt.Errorf("providers.embeddings.name is required"))
	}
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm.fallbacks[%d].name is required", i))
		}
	}

	if cfg.Judgment.NeighborCount <= 0 {
		errs = append(errs, fmt.Errorf("judgment.neighbor_count must be positive"))
	}
	if cfg.Judgment.ScoreFloor < 0 || cfg.Judgment.ScoreFloor > 1 {
		errs = append(errs, fmt.Errorf("judgment.score_floor %.2f is out of range [0, 1]", cfg.Judgment.ScoreFloor))
	}

	if cfg.Retrieval.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.default_limit must be positive"))
	}

	if cfg.Task.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("task.concurrency must be positive"))
	}
	if cfg.Task.HardTimeLimit != 0 && cfg.Task.SoftTimeLimit != 0 && cfg.Task.SoftTimeLimit >= cfg.Task.HardTimeLimit {
		errs = append(errs, fmt.Errorf("task.soft_time_limit must be less than task.hard_time_limit"))
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

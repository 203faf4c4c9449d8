package config_test

import (
	"strings"
	"testing"

	"github.com/lucidgraph/memengine/internal/config"
)

func TestValidate_MissingPostgresDSN(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  embeddings:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing postgres_dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_MissingLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
store:
  postgres_dsn: "postgres://localhost/test"
providers:
  embeddings:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing llm provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_MissingEmbeddingsProvider(t *testing.T) {
	t.Parallel()
	yaml := `
store:
  postgres_dsn: "postgres://localhost/test"
providers:
  llm:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing embeddings provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.embeddings.name") {
		t.Errorf("error should mention providers.embeddings.name, got: %v", err)
	}
}

func TestValidate_WellFormedConfigIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
store:
  postgres_dsn: "postgres://localhost/test"
  embedding_dimensions: 1536
providers:
  llm:
    name: openai
    model: gpt-4o-mini
    fallbacks:
      - name: anthropic
        model: claude-3-5-haiku
  embeddings:
    name: openai
    model: text-embedding-3-small
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Judgment.NeighborCount != 5 {
		t.Errorf("default neighbor_count: got %d, want 5", cfg.Judgment.NeighborCount)
	}
	if cfg.Judgment.ScoreFloor != 0.7 {
		t.Errorf("default score_floor: got %v, want 0.7", cfg.Judgment.ScoreFloor)
	}
}

func TestValidate_ScoreFloorOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
store:
  postgres_dsn: "postgres://localhost/test"
providers:
  llm:
    name: openai
  embeddings:
    name: openai
judgment:
  score_floor: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for score_floor out of range, got nil")
	}
	if !strings.Contains(err.Error(), "score_floor") {
		t.Errorf("error should mention score_floor, got: %v", err)
	}
}

func TestValidate_EmptyFallbackName(t *testing.T) {
	t.Parallel()
	yaml := `
store:
  postgres_dsn: "postgres://localhost/test"
providers:
  llm:
    name: openai
    fallbacks:
      - model: claude-3-5-haiku
  embeddings:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback missing name, got nil")
	}
	if !strings.Contains(err.Error(), "fallbacks[0].name") {
		t.Errorf("error should mention fallbacks[0].name, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}

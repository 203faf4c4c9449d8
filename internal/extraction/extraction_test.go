package extraction_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/pkg/store/mock"
	"github.com/lucidgraph/memengine/pkg/types"
)

func TestExtractFacts_ParsesWellFormedResponse(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"facts": [
		{"content": "works at Alibaba", "category": "fact", "importance": "medium"},
		{"content": "lives in Beijing", "category": "fact", "importance": "low"}
	]}`}
	e := extraction.New(gw)

	facts, err := e.ExtractFacts(context.Background(), "Zhang San works at Alibaba and lives in Beijing", "trace-1")
	if err != nil {
		t.Fatalf("ExtractFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d: %+v", len(facts), facts)
	}
	if facts[0].Category != types.CategoryFact {
		t.Errorf("category: got %q", facts[0].Category)
	}
}

func TestExtractFacts_StripsMarkdownFence(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: "```json\n{\"facts\": [{\"content\": \"likes pizza\", \"category\": \"preference\", \"importance\": \"low\"}]}\n```"}
	e := extraction.New(gw)

	facts, err := e.ExtractFacts(context.Background(), "I like pizza", "trace-2")
	if err != nil {
		t.Fatalf("ExtractFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Category != types.CategoryPreference {
		t.Fatalf("unexpected facts: %+v", facts)
	}
}

func TestExtractFacts_UnparsableResponseFallsBackToSingleFact(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: "not json at all"}
	e := extraction.New(gw)

	facts, err := e.ExtractFacts(context.Background(), "raw input text", "trace-3")
	if err != nil {
		t.Fatalf("expected graceful fallback, got error: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "raw input text" {
		t.Fatalf("expected single fallback fact equal to input, got: %+v", facts)
	}
	if facts[0].Category != types.CategoryFact || facts[0].Importance != types.ImportanceMedium {
		t.Errorf("fallback fact should default to fact/medium, got: %+v", facts[0])
	}
}

func TestExtractFacts_GatewayErrorPropagates(t *testing.T) {
	gw := &mock.ModelGateway{ChatErr: errors.New("upstream down")}
	e := extraction.New(gw)

	_, err := e.ExtractFacts(context.Background(), "text", "trace-4")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractEntitiesRelations_SubstitutesOwnerSentinel(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{
		"entities": [{"name": "OWNER_ID", "type": "person"}, {"name": "Alibaba", "type": "organization"}],
		"relations": [{"source": "OWNER_ID", "relation": "works_at", "target": "Alibaba"}]
	}`}
	e := extraction.New(gw)

	entities, relations, err := e.ExtractEntitiesRelations(context.Background(), "I work at Alibaba", types.Owner("user-42"), "trace-5")
	if err != nil {
		t.Fatalf("ExtractEntitiesRelations: %v", err)
	}
	if len(entities) != 2 || entities[0].Name != "user-42" {
		t.Fatalf("expected owner sentinel substituted, got: %+v", entities)
	}
	if len(relations) != 1 || relations[0].Source != "user-42" {
		t.Fatalf("expected relation source substituted, got: %+v", relations)
	}
}

func TestExtractEntitiesRelations_UnparsableResponseYieldsEmpty(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: "garbage"}
	e := extraction.New(gw)

	entities, relations, err := e.ExtractEntitiesRelations(context.Background(), "some claim", types.Owner("user-1"), "trace-6")
	if err != nil {
		t.Fatalf("expected graceful fallback, got error: %v", err)
	}
	if len(entities) != 0 || len(relations) != 0 {
		t.Fatalf("expected empty slices, got entities=%+v relations=%+v", entities, relations)
	}
}

// Package extraction turns raw memory content into atomic facts and, per
// fact, the named entities and relations it mentions. Both calls go through
// the same model gateway and share the same defensive-JSON-parsing
// discipline: a parse failure degrades to a conservative default rather than
// failing the task outright.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.0

	// ownerSentinel replaces first-person pronouns in entity/relation
	// extraction output; the caller substitutes it with the real owner id
	// before any graph write, keeping the prompt itself owner-agnostic.
	ownerSentinel = "OWNER_ID"
)

const factPromptTemplate = `You extract atomic facts from a piece of text written by or about a user.

Rules:
- Split compound or complex sentences into separate atomic claims.
- Drop greetings, filler, and anything that carries no durable information.
- Preserve the input's language; do not translate.
- Classify each fact's category as one of: fact, preference, plan, experience, opinion.
- Classify each fact's importance as one of: low, medium, high.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"facts": [{"content": "<atomic claim>", "category": "<category>", "importance": "<importance>"}]}

If the text carries no durable information, return {"facts": []}.

Text:
%s`

const entityPromptTemplate = `You extract named entities and the relations between them from a single factual claim.

Rules:
- Replace every first-person pronoun referring to the speaker (I, me, my, mine) with the literal token %s.
- entities[].type should be a short lowercase noun (person, organization, location, item, skill, event, etc).
- relations[].relation should be a short lowercase verb phrase with underscores (e.g. works_at, lives_in, likes).
- Only include entities and relations actually present in the claim.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"entities": [{"name": "<name>", "type": "<type>"}], "relations": [{"source": "<name>", "relation": "<rel>", "target": "<name>"}]}

If the claim mentions no entities, return {"entities": [], "relations": []}.

Claim:
%s`

// Fact is one atomic claim produced by [Engine.ExtractFacts], before it
// becomes a [store.Fact] row.
type Fact struct {
	Content    string
	Category   types.Category
	Importance types.Importance
}

// Option configures an [Engine].
type Option func(*Engine)

// WithModel overrides the model identifier passed to the gateway. Default:
// "gpt-4o-mini".
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithTemperature overrides the sampling temperature. Default: 0.0
// (deterministic extraction).
func WithTemperature(temp float64) Option {
	return func(e *Engine) { e.temperature = temp }
}

// Engine extracts atomic facts and, per fact, entities and relations, from
// raw text via a [store.ModelGateway]. It is safe for concurrent use.
type Engine struct {
	gateway     store.ModelGateway
	model       string
	temperature float64
	logger      *slog.Logger
}

// New returns an Engine backed by gateway.
func New(gateway store.ModelGateway, opts ...Option) *Engine {
	e := &Engine{
		gateway:     gateway,
		model:       defaultModel,
		temperature: defaultTemperature,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExtractFacts splits content into atomic facts. correlationID is logged
// alongside latency and any failure; it is typically the enclosing task id.
//
// On an unparsable model response, ExtractFacts falls back to treating the
// entire input as a single fact-category claim of medium importance, rather
// than failing the task.
func (e *Engine) ExtractFacts(ctx context.Context, content string, correlationID string) ([]Fact, error) {
	start := time.Now()
	prompt := fmt.Sprintf(factPromptTemplate, content)

	raw, err := e.gateway.Chat(ctx, e.model, []types.Message{{Role: "user", Content: prompt}}, e.temperature, "json")
	latency := time.Since(start)
	if err != nil {
		e.logger.Error("fact extraction call failed", "correlation_id", correlationID, "latency_ms", latency.Milliseconds(), "error", err)
		return nil, fmt.Errorf("extraction: fact extraction: %w", err)
	}

	facts, parseErr := parseFacts(raw)
	if parseErr != nil {
		e.logger.Warn("fact extraction response unparsable, falling back to single-fact ADD",
			"correlation_id", correlationID, "latency_ms", latency.Milliseconds(), "parse_error", parseErr)
		return []Fact{{Content: content, Category: types.CategoryFact, Importance: types.ImportanceMedium}}, nil
	}

	e.logger.Debug("fact extraction complete", "correlation_id", correlationID, "latency_ms", latency.Milliseconds(), "fact_count", len(facts))
	return facts, nil
}

// ExtractEntitiesRelations extracts the entities and relations mentioned in
// a single atomic fact. owner substitutes for first-person pronouns in the
// model's output.
//
// On an unparsable model response, it returns empty slices rather than an
// error: a fact that yields no graph structure is a valid outcome, not a
// failure.
func (e *Engine) ExtractEntitiesRelations(ctx context.Context, factContent string, owner types.Owner, correlationID string) ([]types.Entity, []types.Relation, error) {
	start := time.Now()
	prompt := fmt.Sprintf(entityPromptTemplate, ownerSentinel, factContent)

	raw, err := e.gateway.Chat(ctx, e.model, []types.Message{{Role: "user", Content: prompt}}, e.temperature, "json")
	latency := time.Since(start)
	if err != nil {
		e.logger.Error("entity extraction call failed", "correlation_id", correlationID, "latency_ms", latency.Milliseconds(), "error", err)
		return nil, nil, fmt.Errorf("extraction: entity extraction: %w", err)
	}

	entities, relations, parseErr := parseEntitiesRelations(raw, string(owner))
	if parseErr != nil {
		e.logger.Warn("entity extraction response unparsable, yielding no graph structure",
			"correlation_id", correlationID, "latency_ms", latency.Milliseconds(), "parse_error", parseErr)
		return nil, nil, nil
	}

	e.logger.Debug("entity extraction complete", "correlation_id", correlationID, "latency_ms", latency.Milliseconds(),
		"entity_count", len(entities), "relation_count", len(relations))
	return entities, relations, nil
}

type factsResponse struct {
	Facts []struct {
		Content    string `json:"content"`
		Category   string `json:"category"`
		Importance string `json:"importance"`
	} `json:"facts"`
}

func parseFacts(raw string) ([]Fact, error) {
	sliced, err := jsonObjectSlice(raw)
	if err != nil {
		return nil, err
	}
	var r factsResponse
	if err := json.Unmarshal([]byte(sliced), &r); err != nil {
		return nil, fmt.Errorf("parse facts: %w", err)
	}

	facts := make([]Fact, 0, len(r.Facts))
	for _, f := range r.Facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		facts = append(facts, Fact{
			Content:    f.Content,
			Category:   normalizeCategory(f.Category),
			Importance: normalizeImportance(f.Importance),
		})
	}
	return facts, nil
}

type entitiesResponse struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		Source   string `json:"source"`
		Relation string `json:"relation"`
		Target   string `json:"target"`
	} `json:"relations"`
}

func parseEntitiesRelations(raw, owner string) ([]types.Entity, []types.Relation, error) {
	sliced, err := jsonObjectSlice(raw)
	if err != nil {
		return nil, nil, err
	}
	var r entitiesResponse
	if err := json.Unmarshal([]byte(sliced), &r); err != nil {
		return nil, nil, fmt.Errorf("parse entities: %w", err)
	}

	entities := make([]types.Entity, 0, len(r.Entities))
	for _, e := range r.Entities {
		if e.Name == "" {
			continue
		}
		entities = append(entities, types.Entity{Name: substituteOwner(e.Name, owner), Type: e.Type})
	}

	relations := make([]types.Relation, 0, len(r.Relations))
	for _, rel := range r.Relations {
		if rel.Source == "" || rel.Target == "" || rel.Relation == "" {
			continue
		}
		relations = append(relations, types.Relation{
			Source:   substituteOwner(rel.Source, owner),
			Relation: rel.Relation,
			Target:   substituteOwner(rel.Target, owner),
		})
	}
	return entities, relations, nil
}

func substituteOwner(name, owner string) string {
	if name == ownerSentinel {
		return owner
	}
	return name
}

func normalizeCategory(s string) types.Category {
	switch types.Category(strings.ToLower(strings.TrimSpace(s))) {
	case types.CategoryPreference:
		return types.CategoryPreference
	case types.CategoryPlan:
		return types.CategoryPlan
	case types.CategoryExperience:
		return types.CategoryExperience
	case types.CategoryOpinion:
		return types.CategoryOpinion
	default:
		return types.CategoryFact
	}
}

func normalizeImportance(s string) types.Importance {
	switch types.Importance(strings.ToLower(strings.TrimSpace(s))) {
	case types.ImportanceLow:
		return types.ImportanceLow
	case types.ImportanceHigh:
		return types.ImportanceHigh
	default:
		return types.ImportanceMedium
	}
}

// jsonObjectSlice strips optional markdown code fences and then returns the
// substring from the first '{' to the last '}', the defensive-parsing rule
// that tolerates models which wrap their JSON in prose or fences.
func jsonObjectSlice(s string) (string, error) {
	s = stripMarkdown(s)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return s[start : end+1], nil
}

func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// Package judgment decides, for each newly extracted atomic fact, whether it
// should be added, should supersede an existing fact, contradicts and
// deletes one, or is a no-op duplicate — the ADD/UPDATE/DELETE/NONE protocol
// the reconciliation executor then carries out.
package judgment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.0
	defaultNeighborK   = 5
	defaultScoreFloor  = 0.7
)

const judgmentPromptTemplate = `You are updating a user's memory store. Decide, for each new fact, exactly one operation:

- ADD: the fact is not entailed by any existing memory below — assign it a new id, greater than every existing id.
- UPDATE: the fact refines or supersedes exactly one existing memory — keep that memory's id and set old_memory to its original text.
- DELETE: the fact contradicts exactly one existing memory — keep that memory's id.
- NONE: the fact duplicates or is already subsumed by an existing memory — keep that memory's id.

Example:
Existing memories: [{"id": 7, "text": "User likes pizza"}]
New facts: ["Likes chicken pizza specifically"]
Response: {"memory": [{"id": 7, "text": "User likes chicken pizza", "event": "UPDATE", "old_memory": "User likes pizza", "reason": "refines prior preference with more detail"}]}

reason is mandatory on every line and must state why that operation was chosen.

Existing memories:
%s

New facts:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"memory": [{"id": <int>, "text": "<fact text>", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "<original text, UPDATE only>", "reason": "<why>"}]}`

// Outcome is the full result of one judgment invocation, ready to become a
// [store.JudgmentAudit] row once the caller fills in trace id and timing.
type Outcome struct {
	Candidates []store.JudgmentCandidate
	Results    []store.JudgmentResult
	RawResponse string
	// Success is false when the model response could not be parsed and the
	// fallback (ADD every new fact) was used instead.
	Success bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithModel overrides the model identifier passed to the gateway.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(e *Engine) { e.temperature = temp }
}

// WithNeighborCount overrides K, the number of nearest existing facts
// retrieved as judgment context. Default: 5.
func WithNeighborCount(k int) Option {
	return func(e *Engine) { e.neighborK = k }
}

// WithScoreFloor overrides the minimum cosine similarity a candidate
// neighbor must meet to be included in the judgment prompt. Default: 0.7.
func WithScoreFloor(floor float64) Option {
	return func(e *Engine) { e.scoreFloor = floor }
}

// Engine implements the judgment protocol over a model gateway, the vector
// index (to find nearest existing facts), and the record store (to resolve
// vector hits back to full Fact rows).
type Engine struct {
	gateway    store.ModelGateway
	vector     store.VectorStore
	records    store.RecordStore
	model      string
	temperature float64
	neighborK  int
	scoreFloor float64
	logger     *slog.Logger
}

// New returns an Engine.
func New(gateway store.ModelGateway, vector store.VectorStore, records store.RecordStore, opts ...Option) *Engine {
	e := &Engine{
		gateway:     gateway,
		vector:      vector,
		records:     records,
		model:       defaultModel,
		temperature: defaultTemperature,
		neighborK:   defaultNeighborK,
		scoreFloor:  defaultScoreFloor,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Judge resolves, for the given new atomic fact texts, the nearest existing
// Facts (embedding each new fact, querying the owner's vector collection,
// deduplicating hits), then asks the model for an ADD/UPDATE/DELETE/NONE
// decision per new fact.
//
// On an unparsable model response, Judge falls back to ADDing every new
// fact and returns Outcome.Success == false; this is never surfaced as an
// error, since the pipeline must still persist the facts.
func (e *Engine) Judge(ctx context.Context, owner types.Owner, embedModel string, newFacts []string, traceID types.TraceID) (Outcome, error) {
	candidates, err := e.nearestCandidates(ctx, owner, embedModel, newFacts)
	if err != nil {
		return Outcome{}, fmt.Errorf("judgment: resolving candidates: %w", err)
	}

	prompt := fmt.Sprintf(judgmentPromptTemplate, renderCandidates(candidates), renderFacts(newFacts))

	start := time.Now()
	raw, err := e.gateway.Chat(ctx, e.model, []types.Message{{Role: "user", Content: prompt}}, e.temperature, "json")
	latency := time.Since(start)
	if err != nil {
		return Outcome{}, fmt.Errorf("judgment: chat: %w", err)
	}

	results, parseErr := parseResponse(raw)
	if parseErr != nil {
		e.logger.Warn("judgment response unparsable, falling back to ADD-all",
			"trace_id", traceID, "owner", owner, "latency_ms", latency.Milliseconds(), "parse_error", parseErr)
		return Outcome{
			Candidates:  candidates,
			Results:     fallbackAddAll(newFacts, candidates),
			RawResponse: raw,
			Success:     false,
		}, nil
	}

	e.logger.Debug("judgment complete", "trace_id", traceID, "owner", owner, "latency_ms", latency.Milliseconds(), "decision_count", len(results))
	return Outcome{
		Candidates:  candidates,
		Results:     results,
		RawResponse: raw,
		Success:     true,
	}, nil
}

// nearestCandidates embeds every new fact in a single batch call, queries
// the owner's vector collection for each one's K nearest neighbors above the
// score floor, deduplicates the resulting fact ids, and resolves them to
// full text via the record store.
func (e *Engine) nearestCandidates(ctx context.Context, owner types.Owner, embedModel string, newFacts []string) ([]store.JudgmentCandidate, error) {
	if len(newFacts) == 0 {
		return nil, nil
	}

	vectors, err := e.gateway.Embed(ctx, embedModel, newFacts)
	if err != nil {
		return nil, fmt.Errorf("embed new facts: %w", err)
	}

	seen := make(map[types.FactID]bool)
	var ids []types.FactID
	for _, v := range vectors {
		hits, err := e.vector.Query(ctx, owner, v, e.neighborK, e.scoreFloor, store.VectorFilter{})
		if err != nil {
			return nil, fmt.Errorf("query neighbors: %w", err)
		}
		for _, h := range hits {
			if h.Payload.FactID == 0 || seen[h.Payload.FactID] {
				continue
			}
			seen[h.Payload.FactID] = true
			ids = append(ids, h.Payload.FactID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	facts, err := e.records.FactsByIDs(ctx, owner, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve candidate facts: %w", err)
	}

	candidates := make([]store.JudgmentCandidate, 0, len(facts))
	for _, f := range facts {
		candidates = append(candidates, store.JudgmentCandidate{ID: f.ID, Text: f.Content})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates, nil
}

func renderCandidates(candidates []store.JudgmentCandidate) string {
	if len(candidates) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(candidates)
	return string(b)
}

func renderFacts(facts []string) string {
	b, _ := json.Marshal(facts)
	return string(b)
}

type judgmentResponse struct {
	Memory []struct {
		ID        json.Number `json:"id"`
		Text      string      `json:"text"`
		Event     string      `json:"event"`
		OldMemory string      `json:"old_memory"`
		Reason    string      `json:"reason"`
	} `json:"memory"`
}

func parseResponse(raw string) ([]store.JudgmentResult, error) {
	sliced, err := jsonObjectSlice(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(sliced))
	dec.UseNumber()
	var r judgmentResponse
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode judgment response: %w", err)
	}

	results := make([]store.JudgmentResult, 0, len(r.Memory))
	for _, m := range r.Memory {
		event := store.JudgmentOp(strings.ToUpper(strings.TrimSpace(m.Event)))
		switch event {
		case store.JudgmentAdd, store.JudgmentUpdate, store.JudgmentDelete, store.JudgmentNone:
		default:
			return nil, fmt.Errorf("unrecognized judgment event %q", m.Event)
		}
		if strings.TrimSpace(m.Reason) == "" {
			return nil, fmt.Errorf("judgment line for %q missing mandatory reason", m.Text)
		}

		var id types.FactID
		if m.ID != "" {
			n, err := strconv.ParseInt(string(m.ID), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("judgment id %q is not an integer: %w", m.ID, err)
			}
			id = types.FactID(n)
		}

		results = append(results, store.JudgmentResult{
			ID:        id,
			Text:      m.Text,
			Event:     event,
			OldMemory: m.OldMemory,
			Reason:    m.Reason,
		})
	}
	return results, nil
}

// fallbackAddAll is the ADD-every-new-fact degradation used when the model
// response cannot be parsed. Assigned ids continue after the highest
// existing candidate id purely for audit-log readability; the reconciliation
// executor does not read ID on an ADD result, since the record store mints
// the real id at insert time.
func fallbackAddAll(newFacts []string, candidates []store.JudgmentCandidate) []store.JudgmentResult {
	nextID := types.FactID(0)
	for _, c := range candidates {
		if c.ID > nextID {
			nextID = c.ID
		}
	}

	results := make([]store.JudgmentResult, 0, len(newFacts))
	for _, text := range newFacts {
		nextID++
		results = append(results, store.JudgmentResult{
			ID:     nextID,
			Text:   text,
			Event:  store.JudgmentAdd,
			Reason: "judgment response unparsable: conservative ADD fallback",
		})
	}
	return results
}

func jsonObjectSlice(s string) (string, error) {
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
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return s[start : end+1], nil
}

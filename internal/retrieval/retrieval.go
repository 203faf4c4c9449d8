// Package retrieval composes a ranked memory context for a query by fusing
// vector recall with one-hop graph neighborhood expansion.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

const (
	defaultEmbedModel           = "text-embedding-3-small"
	defaultNeighborExpansionCap = 10
	extractedEntitiesCap        = 20
	neighborsPerEntity          = 10
	defaultMaxRelatedMemories   = 50

	// recencyHalfLife is the age at which a related memory's recency
	// component of the tie-break score has decayed to half its fresh value.
	recencyHalfLife = 30 * 24 * time.Hour
)

// categoryWeight gives each category a base weight for the related-memory
// tie-breaker, reflecting how durably relevant that kind of claim tends to
// be: a standing preference or an active plan outranks a one-off opinion
// when two candidates are otherwise structurally tied.
var categoryWeight = map[types.Category]float64{
	types.CategoryPreference: 1.0,
	types.CategoryPlan:       0.9,
	types.CategoryFact:       0.8,
	types.CategoryExperience: 0.7,
	types.CategoryOpinion:    0.6,
}

// relevanceScore combines a category base weight with exponential recency
// decay, used to deterministically order related memories that carry the
// same structural relevance (graph-neighborhood membership).
func relevanceScore(f store.Fact, now time.Time) float64 {
	weight, ok := categoryWeight[f.Category]
	if !ok {
		weight = categoryWeight[types.CategoryFact]
	}
	age := now.Sub(f.UpdatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-float64(age) / float64(recencyHalfLife) * math.Ln2)
	return weight * decay
}

// VectorMemory is one direct vector-recall hit, ordered by descending
// cosine score.
type VectorMemory struct {
	FactID     types.FactID
	Content    string
	Category   types.Category
	Importance types.Importance
	Score      float64
}

// RelatedMemory is a Fact surfaced through graph neighborhood expansion
// rather than direct vector recall. Relevance here is structural, so
// related memories are ordered by a category-weight and recency score
// rather than by vector similarity.
type RelatedMemory struct {
	FactID     types.FactID
	Content    string
	Category   types.Category
	Importance types.Importance
}

// Result is the composed context returned to the query seam.
type Result struct {
	VectorMemories    []VectorMemory
	RelatedMemories   []RelatedMemory
	ExtractedEntities []string
}

// Option configures a [Composer].
type Option func(*Composer)

// WithEmbedModel overrides the embedding model used for the query.
func WithEmbedModel(model string) Option {
	return func(c *Composer) { c.embedModel = model }
}

// WithMaxGraphEntities overrides how many distinct direct-hit entities are
// expanded one hop in the graph. Default: 10.
func WithMaxGraphEntities(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.neighborExpansionCap = n
		}
	}
}

// WithMaxRelatedMemories caps how many related memories Compose returns,
// keeping a pathologically well-connected entity graph from flooding the
// composed context. Default: 50.
func WithMaxRelatedMemories(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.maxRelatedMemories = n
		}
	}
}

// WithDefaultLimit sets the vector-hit count Compose uses when a caller
// passes limit<=0, per the query seam's documented composeContext(owner,
// query, limit=10) default. Default: 10.
func WithDefaultLimit(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.defaultLimit = n
		}
	}
}

// Composer implements the retrieval path over the vector index, the graph,
// and the record store.
type Composer struct {
	gateway              store.ModelGateway
	vector               store.VectorStore
	graph                store.GraphStore
	records              store.RecordStore
	embedModel           string
	neighborExpansionCap int
	maxRelatedMemories   int
	defaultLimit         int
}

// New returns a Composer.
func New(gateway store.ModelGateway, vector store.VectorStore, graph store.GraphStore, records store.RecordStore, opts ...Option) *Composer {
	c := &Composer{
		gateway:              gateway,
		vector:               vector,
		graph:                graph,
		records:              records,
		embedModel:           defaultEmbedModel,
		neighborExpansionCap: defaultNeighborExpansionCap,
		maxRelatedMemories:   defaultMaxRelatedMemories,
		defaultLimit:         10,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compose embeds query once, performs an owner-scoped vector search with no
// score floor and k=limit, resolves the hits to Fact rows, expands up to
// the first maxGraphEntities (default ten) distinct hit entities one hop in
// the graph, and surfaces
// every owner Fact whose entity set intersects the direct-or-neighbor union
// and was not itself a direct hit as a related memory.
func (c *Composer) Compose(ctx context.Context, owner types.Owner, query string, limit int) (Result, error) {
	if limit <= 0 {
		limit = c.defaultLimit
	}

	vectors, err := c.gateway.Embed(ctx, c.embedModel, []string{query})
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return Result{}, fmt.Errorf("retrieval: gateway returned no embedding for query")
	}

	hits, err := c.vector.Query(ctx, owner, vectors[0], limit, 0, store.VectorFilter{})
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: vector query: %w", err)
	}

	hitIDs := make([]types.FactID, 0, len(hits))
	hitIDSet := make(map[types.FactID]bool, len(hits))
	for _, h := range hits {
		if h.Payload.FactID == 0 || hitIDSet[h.Payload.FactID] {
			continue
		}
		hitIDSet[h.Payload.FactID] = true
		hitIDs = append(hitIDs, h.Payload.FactID)
	}

	hitFacts, err := c.records.FactsByIDs(ctx, owner, hitIDs)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: resolve hit facts: %w", err)
	}
	factByID := make(map[types.FactID]store.Fact, len(hitFacts))
	for _, f := range hitFacts {
		factByID[f.ID] = f
	}

	vectorMemories := make([]VectorMemory, 0, len(hits))
	directEntities := make([]string, 0)
	directEntitySeen := make(map[string]bool)
	for _, h := range hits {
		f, ok := factByID[h.Payload.FactID]
		if !ok {
			continue
		}
		vectorMemories = append(vectorMemories, VectorMemory{
			FactID: f.ID, Content: f.Content, Category: f.Category, Importance: f.Importance, Score: h.Score,
		})
		for _, e := range f.Entities {
			if !directEntitySeen[e.Name] {
				directEntitySeen[e.Name] = true
				directEntities = append(directEntities, e.Name)
			}
		}
	}

	unionNames := make(map[string]bool, len(directEntities))
	extracted := make([]string, 0, extractedEntitiesCap)
	addExtracted := func(name string) {
		if unionNames[name] {
			return
		}
		unionNames[name] = true
		if len(extracted) < extractedEntitiesCap {
			extracted = append(extracted, name)
		}
	}
	for _, name := range directEntities {
		addExtracted(name)
	}

	expandLimit := c.neighborExpansionCap
	if expandLimit > len(directEntities) {
		expandLimit = len(directEntities)
	}
	for _, name := range directEntities[:expandLimit] {
		neighbors, err := c.graph.Neighbors(ctx, owner, name, neighborsPerEntity)
		if err != nil {
			return Result{}, fmt.Errorf("retrieval: graph neighbors of %q: %w", name, err)
		}
		for _, n := range neighbors {
			addExtracted(n.Name)
		}
	}

	ownerFacts, err := c.records.FactsByOwner(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: list owner facts: %w", err)
	}
	now := time.Now()
	type scoredRelated struct {
		memory RelatedMemory
		score  float64
	}
	candidates := make([]scoredRelated, 0)
	for _, f := range ownerFacts {
		if hitIDSet[f.ID] {
			continue
		}
		if !factEntitiesIntersect(f, unionNames) {
			continue
		}
		candidates = append(candidates, scoredRelated{
			memory: RelatedMemory{FactID: f.ID, Content: f.Content, Category: f.Category, Importance: f.Importance},
			score:  relevanceScore(f, now),
		})
	}
	// All candidates here share the same structural relevance (direct- or
	// neighbor-entity membership); recency decay and category weight break
	// ties deterministically before the cap is applied.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > c.maxRelatedMemories {
		candidates = candidates[:c.maxRelatedMemories]
	}
	relatedMemories := make([]RelatedMemory, len(candidates))
	for i, cand := range candidates {
		relatedMemories[i] = cand.memory
	}

	sort.SliceStable(vectorMemories, func(i, j int) bool { return vectorMemories[i].Score > vectorMemories[j].Score })

	return Result{
		VectorMemories:    vectorMemories,
		RelatedMemories:   relatedMemories,
		ExtractedEntities: extracted,
	}, nil
}

func factEntitiesIntersect(f store.Fact, names map[string]bool) bool {
	for _, e := range f.Entities {
		if names[e.Name] {
			return true
		}
	}
	return false
}

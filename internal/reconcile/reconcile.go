// Package reconcile carries out the ADD/UPDATE/DELETE/NONE decisions the
// judgment engine made, against the vector index, the labeled property
// graph, and the relational record store, in the fixed per-operation write
// order that keeps the relational store the source of truth if a later step
// fails.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

const defaultBatchConcurrency = 3

// Failure records one judgment result that could not be carried out.
type Failure struct {
	Text   string
	Event  store.JudgmentOp
	Reason string
}

// Summary is the outcome of reconciling one judgment's results, the
// `{added, updated, deleted, stats}` output the task runtime surfaces.
type Summary struct {
	Added    []types.FactID
	Updated  []types.FactID
	Deleted  []types.FactID
	NoneCount int
	Failures []Failure
}

// Option configures an [Executor].
type Option func(*Executor)

// WithEmbedModel overrides the embedding model name passed to the gateway.
func WithEmbedModel(model string) Option {
	return func(e *Executor) { e.embedModel = model }
}

// WithBatchConcurrency bounds how many items' entity/relation extraction run
// concurrently in [Executor.ExecuteBatch]. Default: 3.
func WithBatchConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// Executor applies judgment results to the three stores.
type Executor struct {
	vector           store.VectorStore
	graph            store.GraphStore
	records          store.RecordStore
	gateway          store.ModelGateway
	extractor        *extraction.Engine
	embedModel       string
	batchConcurrency int
	logger           *slog.Logger
}

// New returns an Executor.
func New(vector store.VectorStore, graph store.GraphStore, records store.RecordStore, gateway store.ModelGateway, extractor *extraction.Engine, opts ...Option) *Executor {
	e := &Executor{
		vector:           vector,
		graph:            graph,
		records:          records,
		gateway:          gateway,
		extractor:        extractor,
		embedModel:       "text-embedding-3-small",
		batchConcurrency: defaultBatchConcurrency,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute carries out every judgment result in order, accumulating a
// Summary. originalFacts supplies the category/importance of each ADD
// result, matched by exact content text against what was sent to judgment.
// A per-result failure does not abort the remaining results: each is
// recorded in Summary.Failures and execution continues, per the NotFound/
// skip-and-continue error taxonomy.
func (e *Executor) Execute(ctx context.Context, owner types.Owner, memoryID types.MemoryID, originalFacts []extraction.Fact, results []store.JudgmentResult, traceID types.TraceID) Summary {
	var summary Summary

	for _, r := range results {
		switch r.Event {
		case store.JudgmentNone:
			summary.NoneCount++

		case store.JudgmentAdd:
			original, _ := lookupOriginal(r.Text, originalFacts)
			id, err := e.executeAdd(ctx, owner, memoryID, r.Text, original.Category, original.Importance, traceID)
			if err != nil {
				e.logger.Error("reconcile: ADD failed", "trace_id", traceID, "owner", owner, "error", err)
				summary.Failures = append(summary.Failures, Failure{Text: r.Text, Event: r.Event, Reason: err.Error()})
				continue
			}
			summary.Added = append(summary.Added, id)

		case store.JudgmentUpdate:
			if err := e.executeUpdate(ctx, owner, r, traceID); err != nil {
				if isSkippable(err) {
					e.logger.Warn("reconcile: UPDATE target missing, skipping", "trace_id", traceID, "owner", owner, "fact_id", r.ID)
					summary.Failures = append(summary.Failures, Failure{Text: r.Text, Event: r.Event, Reason: err.Error()})
					continue
				}
				e.logger.Error("reconcile: UPDATE failed", "trace_id", traceID, "owner", owner, "error", err)
				summary.Failures = append(summary.Failures, Failure{Text: r.Text, Event: r.Event, Reason: err.Error()})
				continue
			}
			summary.Updated = append(summary.Updated, r.ID)

		case store.JudgmentDelete:
			if err := e.executeDelete(ctx, owner, r.ID, traceID); err != nil {
				if isSkippable(err) {
					e.logger.Warn("reconcile: DELETE target already gone, skipping", "trace_id", traceID, "owner", owner, "fact_id", r.ID)
					summary.Failures = append(summary.Failures, Failure{Text: r.Text, Event: r.Event, Reason: err.Error()})
					continue
				}
				e.logger.Error("reconcile: DELETE failed", "trace_id", traceID, "owner", owner, "error", err)
				summary.Failures = append(summary.Failures, Failure{Text: r.Text, Event: r.Event, Reason: err.Error()})
				continue
			}
			summary.Deleted = append(summary.Deleted, r.ID)
		}
	}

	return summary
}

// executeAdd: extract -> insert Fact row -> upsert vector -> upsert graph.
func (e *Executor) executeAdd(ctx context.Context, owner types.Owner, memoryID types.MemoryID, text string, category types.Category, importance types.Importance, traceID types.TraceID) (types.FactID, error) {
	if category == "" {
		category = types.CategoryFact
	}
	if importance == "" {
		importance = types.ImportanceMedium
	}

	entities, relations, err := e.extractor.ExtractEntitiesRelations(ctx, text, owner, string(traceID))
	if err != nil {
		return 0, fmt.Errorf("add: extract entities/relations: %w", err)
	}

	vectorID := types.VectorID(uuid.NewString())
	fact, err := e.records.CreateFact(ctx, store.Fact{
		Owner:      owner,
		MemoryID:   memoryID,
		Content:    text,
		Category:   category,
		Importance: importance,
		Entities:   entities,
		Relations:  relations,
		VectorID:   vectorID,
	})
	if err != nil {
		return 0, fmt.Errorf("add: insert fact: %w", err)
	}

	vector, err := e.embedOne(ctx, text)
	if err != nil {
		return fact.ID, fmt.Errorf("add: embed: %w", err)
	}
	if err := e.vector.Upsert(ctx, owner, store.VectorPoint{
		ID:     vectorID,
		Vector: vector,
		Payload: store.VectorPayload{
			Owner:        owner,
			Content:      text,
			EntityNames:  entityNames(entities),
			RelationStrs: relationStrings(relations),
			Category:     category,
			Importance:   importance,
			FactID:       fact.ID,
		},
	}); err != nil {
		return fact.ID, fmt.Errorf("add: upsert vector (fact row %d persisted): %w", fact.ID, err)
	}

	if err := e.upsertGraph(ctx, owner, entities, relations); err != nil {
		return fact.ID, fmt.Errorf("add: upsert graph (fact row %d, vector %s persisted): %w", fact.ID, vectorID, err)
	}
	return fact.ID, nil
}

// executeUpdate: re-extract -> upsert vector under the existing vector-id ->
// graph diff -> update Fact row, preserving id and vector-id.
func (e *Executor) executeUpdate(ctx context.Context, owner types.Owner, r store.JudgmentResult, traceID types.TraceID) error {
	existing, err := e.records.FactByID(ctx, owner, r.ID)
	if err != nil {
		return fmt.Errorf("update: lookup fact %d: %w", r.ID, err)
	}

	newEntities, newRelations, err := e.extractor.ExtractEntitiesRelations(ctx, r.Text, owner, string(traceID))
	if err != nil {
		return fmt.Errorf("update: extract entities/relations: %w", err)
	}

	vector, err := e.embedOne(ctx, r.Text)
	if err != nil {
		return fmt.Errorf("update: embed: %w", err)
	}
	if err := e.vector.Upsert(ctx, owner, store.VectorPoint{
		ID:     existing.VectorID,
		Vector: vector,
		Payload: store.VectorPayload{
			Owner:        owner,
			Content:      r.Text,
			EntityNames:  entityNames(newEntities),
			RelationStrs: relationStrings(newRelations),
			Category:     existing.Category,
			Importance:   existing.Importance,
			FactID:       existing.ID,
		},
	}); err != nil {
		return fmt.Errorf("update: upsert vector: %w", err)
	}

	if err := e.diffGraph(ctx, owner, existing.Entities, newEntities, existing.Relations, newRelations); err != nil {
		return fmt.Errorf("update: graph diff: %w", err)
	}

	existing.Content = r.Text
	existing.Entities = newEntities
	existing.Relations = newRelations
	if _, err := e.records.UpdateFact(ctx, existing); err != nil {
		return fmt.Errorf("update: update fact row: %w", err)
	}
	return nil
}

// executeDelete: look up -> delete vector -> graph total-delete for the
// fact's own edges and now-orphaned entities -> delete Fact row.
func (e *Executor) executeDelete(ctx context.Context, owner types.Owner, factID types.FactID, traceID types.TraceID) error {
	existing, err := e.records.FactByID(ctx, owner, factID)
	if err != nil {
		return fmt.Errorf("delete: lookup fact %d: %w", factID, err)
	}

	if existing.VectorID != "" {
		if err := e.vector.Delete(ctx, owner, []types.VectorID{existing.VectorID}); err != nil {
			return fmt.Errorf("delete: vector delete: %w", err)
		}
	}

	for _, rel := range existing.Relations {
		if err := e.graph.DeleteEdge(ctx, owner, rel.Source, rel.Target, rel.Relation); err != nil {
			return fmt.Errorf("delete: graph edge delete: %w", err)
		}
	}
	for _, ent := range existing.Entities {
		n, err := e.graph.CountIncident(ctx, owner, ent.Name)
		if err != nil {
			return fmt.Errorf("delete: count incident for %q: %w", ent.Name, err)
		}
		if n == 0 {
			if err := e.graph.DeleteEntity(ctx, owner, ent.Name); err != nil {
				return fmt.Errorf("delete: graph entity delete for %q: %w", ent.Name, err)
			}
		}
	}

	if err := e.records.DeleteFact(ctx, owner, factID); err != nil {
		return fmt.Errorf("delete: delete fact row: %w", err)
	}
	return nil
}

// DeletionReceipt reports, per store, whether a DeleteByVectorID call found
// and removed data there. A false value for a store that never held data for
// this fact (e.g. no Relations to drop) is not a failure.
type DeletionReceipt struct {
	Vector  bool
	Graph   bool
	Records bool
}

// DeleteByVectorID performs the synchronous delete-by-id seam: it resolves
// vectorID to its owning Fact and then runs the same total-delete sequence
// as the judgment-driven DELETE path (vector point, incident graph edges,
// now-orphaned entities, then the Fact row itself), independent of the
// judgment engine. Deleting an unknown vectorID returns a zero DeletionReceipt
// and [store.ErrNotFound], matching the NotFound taxonomy entry for
// DELETE-of-missing-target.
func (e *Executor) DeleteByVectorID(ctx context.Context, owner types.Owner, vectorID types.VectorID) (DeletionReceipt, error) {
	var receipt DeletionReceipt

	fact, err := e.records.FactByVectorID(ctx, owner, vectorID)
	if err != nil {
		return receipt, fmt.Errorf("delete by vector id: lookup fact: %w", err)
	}

	if fact.VectorID != "" {
		if err := e.vector.Delete(ctx, owner, []types.VectorID{fact.VectorID}); err != nil {
			return receipt, fmt.Errorf("delete by vector id: vector delete: %w", err)
		}
		receipt.Vector = true
	}

	for _, rel := range fact.Relations {
		if err := e.graph.DeleteEdge(ctx, owner, rel.Source, rel.Target, rel.Relation); err != nil {
			return receipt, fmt.Errorf("delete by vector id: graph edge delete: %w", err)
		}
		receipt.Graph = true
	}
	for _, ent := range fact.Entities {
		n, err := e.graph.CountIncident(ctx, owner, ent.Name)
		if err != nil {
			return receipt, fmt.Errorf("delete by vector id: count incident for %q: %w", ent.Name, err)
		}
		if n == 0 {
			if err := e.graph.DeleteEntity(ctx, owner, ent.Name); err != nil {
				return receipt, fmt.Errorf("delete by vector id: graph entity delete for %q: %w", ent.Name, err)
			}
			receipt.Graph = true
		}
	}

	if err := e.records.DeleteFact(ctx, owner, fact.ID); err != nil {
		return receipt, fmt.Errorf("delete by vector id: delete fact row: %w", err)
	}
	receipt.Records = true

	return receipt, nil
}

// ExecuteBatch performs a trusted bulk ADD of texts (the skip_judge path),
// fanning out entity/relation extraction up to the configured concurrency
// ceiling, embedding every text in a single batch call, then writing each
// item's vector before its Fact row so a relational-insert failure can be
// compensated by deleting the orphaned vector point rather than leaving it
// dangling with no owning Fact.
func (e *Executor) ExecuteBatch(ctx context.Context, owner types.Owner, memoryID types.MemoryID, facts []extraction.Fact, traceID types.TraceID) Summary {
	var summary Summary
	if len(facts) == 0 {
		return summary
	}

	type extracted struct {
		entities  []types.Entity
		relations []types.Relation
		err       error
	}
	results := make([]extracted, len(facts))

	sem := semaphore.NewWeighted(int64(e.batchConcurrency))
	done := make(chan int, len(facts))
	for i, f := range facts {
		i, f := i, f
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = extracted{err: err}
			done <- i
			continue
		}
		go func() {
			defer sem.Release(1)
			ents, rels, err := e.extractor.ExtractEntitiesRelations(ctx, f.Content, owner, string(traceID))
			results[i] = extracted{entities: ents, relations: rels, err: err}
			done <- i
		}()
	}
	for range facts {
		<-done
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	vectors, err := e.gateway.Embed(ctx, e.embedModel, texts)
	if err != nil {
		for _, f := range facts {
			summary.Failures = append(summary.Failures, Failure{Text: f.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("batch embed: %v", err)})
		}
		return summary
	}

	for i, f := range facts {
		if results[i].err != nil {
			summary.Failures = append(summary.Failures, Failure{Text: f.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("extract entities/relations: %v", results[i].err)})
			continue
		}
		category, importance := f.Category, f.Importance
		if category == "" {
			category = types.CategoryFact
		}
		if importance == "" {
			importance = types.ImportanceMedium
		}

		vectorID := types.VectorID(uuid.NewString())
		if err := e.vector.Upsert(ctx, owner, store.VectorPoint{
			ID:     vectorID,
			Vector: vectors[i],
			Payload: store.VectorPayload{
				Owner:        owner,
				Content:      f.Content,
				EntityNames:  entityNames(results[i].entities),
				RelationStrs: relationStrings(results[i].relations),
				Category:     category,
				Importance:   importance,
			},
		}); err != nil {
			summary.Failures = append(summary.Failures, Failure{Text: f.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("upsert vector: %v", err)})
			continue
		}

		fact, err := e.records.CreateFact(ctx, store.Fact{
			Owner: owner, MemoryID: memoryID, Content: f.Content,
			Category: category, Importance: importance,
			Entities: results[i].entities, Relations: results[i].relations,
			VectorID: vectorID,
		})
		if err != nil {
			if delErr := e.vector.Delete(ctx, owner, []types.VectorID{vectorID}); delErr != nil {
				e.logger.Error("reconcile: batch vector compensation failed", "trace_id", traceID, "vector_id", vectorID, "error", delErr)
			}
			summary.Failures = append(summary.Failures, Failure{Text: f.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("insert fact (vector compensated): %v", err)})
			continue
		}

		if err := e.upsertGraph(ctx, owner, results[i].entities, results[i].relations); err != nil {
			summary.Failures = append(summary.Failures, Failure{Text: f.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("upsert graph (fact %d, vector persisted): %v", fact.ID, err)})
			continue
		}
		summary.Added = append(summary.Added, fact.ID)
	}

	return summary
}

func (e *Executor) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.gateway.Embed(ctx, e.embedModel, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("gateway returned no embedding for non-empty input")
	}
	return vectors[0], nil
}

func (e *Executor) upsertGraph(ctx context.Context, owner types.Owner, entities []types.Entity, relations []types.Relation) error {
	for _, ent := range entities {
		if err := e.graph.UpsertEntity(ctx, owner, ent.Name, ent.Type, nil); err != nil {
			return fmt.Errorf("upsert entity %q: %w", ent.Name, err)
		}
	}
	for _, rel := range relations {
		if err := e.graph.UpsertEdge(ctx, owner, rel.Source, rel.Target, rel.Relation); err != nil {
			return fmt.Errorf("upsert edge %s: %w", rel, err)
		}
	}
	return nil
}

// diffGraph computes removed/added entities and edges between the old and
// new extraction results for one fact, deletes what left, conditionally
// drops now-orphaned entities, and upserts what is new.
func (e *Executor) diffGraph(ctx context.Context, owner types.Owner, oldEntities, newEntities []types.Entity, oldRelations, newRelations []types.Relation) error {
	newEntitySet := make(map[string]bool, len(newEntities))
	for _, ent := range newEntities {
		newEntitySet[ent.Name] = true
	}
	newRelationSet := make(map[string]bool, len(newRelations))
	for _, rel := range newRelations {
		newRelationSet[rel.String()] = true
	}

	for _, rel := range oldRelations {
		if !newRelationSet[rel.String()] {
			if err := e.graph.DeleteEdge(ctx, owner, rel.Source, rel.Target, rel.Relation); err != nil {
				return fmt.Errorf("delete removed edge %s: %w", rel, err)
			}
		}
	}
	for _, ent := range oldEntities {
		if newEntitySet[ent.Name] {
			continue
		}
		n, err := e.graph.CountIncident(ctx, owner, ent.Name)
		if err != nil {
			return fmt.Errorf("count incident for removed entity %q: %w", ent.Name, err)
		}
		if n == 0 {
			if err := e.graph.DeleteEntity(ctx, owner, ent.Name); err != nil {
				return fmt.Errorf("delete orphaned entity %q: %w", ent.Name, err)
			}
		}
	}

	return e.upsertGraph(ctx, owner, newEntities, newRelations)
}

func entityNames(entities []types.Entity) []string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return names
}

func relationStrings(relations []types.Relation) []string {
	strs := make([]string, len(relations))
	for i, r := range relations {
		strs[i] = r.String()
	}
	return strs
}

func lookupOriginal(text string, originals []extraction.Fact) (extraction.Fact, bool) {
	for _, f := range originals {
		if f.Content == text {
			return f, true
		}
	}
	return extraction.Fact{}, false
}

func isSkippable(err error) bool {
	return err != nil && errors.Is(err, store.ErrNotFound)
}

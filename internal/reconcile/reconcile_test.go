package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/internal/reconcile"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/mock"
	"github.com/lucidgraph/memengine/pkg/types"
)

const owner = types.Owner("owner-a")

func newExecutor(gw *mock.ModelGateway, vs *mock.VectorStore, gs *mock.GraphStore, rs *mock.RecordStore) *reconcile.Executor {
	return reconcile.New(vs, gs, rs, gw, extraction.New(gw))
}

func TestExecute_AddWritesFactThenVectorThenGraph(t *testing.T) {
	ctx := context.Background()
	gw := &mock.ModelGateway{ChatResult: `{"entities": [{"name": "OWNER_ID", "type": "person"}, {"name": "Alibaba", "type": "organization"}], "relations": [{"source": "OWNER_ID", "relation": "works_at", "target": "Alibaba"}]}`}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	rs := mock.NewRecordStore()
	e := newExecutor(gw, vs, gs, rs)

	originals := []extraction.Fact{{Content: "works at Alibaba", Category: types.CategoryFact, Importance: types.ImportanceMedium}}
	results := []store.JudgmentResult{{Text: "works at Alibaba", Event: store.JudgmentAdd, Reason: "no existing memory entails this"}}

	summary := e.Execute(ctx, owner, types.MemoryID(1), originals, results, types.TraceID("t-1"))

	if len(summary.Added) != 1 {
		t.Fatalf("expected 1 added fact, got %+v", summary)
	}
	if rs.CallCount("CreateFact") != 1 {
		t.Errorf("expected CreateFact called once, got %d", rs.CallCount("CreateFact"))
	}
	if vs.CallCount("Upsert") != 1 {
		t.Errorf("expected vector Upsert called once, got %d", vs.CallCount("Upsert"))
	}
	if gs.CallCount("UpsertEntity") != 2 || gs.CallCount("UpsertEdge") != 1 {
		t.Errorf("expected 2 entity upserts and 1 edge upsert, got entities=%d edges=%d", gs.CallCount("UpsertEntity"), gs.CallCount("UpsertEdge"))
	}
}

func TestExecute_UpdateDiffsGraphAndPreservesVectorID(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	existing, _ := rs.CreateFact(ctx, store.Fact{
		Owner: owner, Content: "User likes pizza", VectorID: "v7",
		Entities:  []types.Entity{{Name: "pizza", Type: "item"}},
		Relations: []types.Relation{{Source: string(owner), Relation: "likes", Target: "pizza"}},
	})

	gw := &mock.ModelGateway{ChatResult: `{"entities": [{"name": "OWNER_ID", "type": "person"}, {"name": "chicken pizza", "type": "item"}], "relations": [{"source": "OWNER_ID", "relation": "likes", "target": "chicken pizza"}]}`}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{CountIncidentResult: 0}
	e := newExecutor(gw, vs, gs, rs)

	results := []store.JudgmentResult{{ID: existing.ID, Text: "User likes chicken pizza", Event: store.JudgmentUpdate, OldMemory: "User likes pizza", Reason: "refines prior preference"}}

	summary := e.Execute(ctx, owner, types.MemoryID(1), nil, results, types.TraceID("t-2"))

	if len(summary.Updated) != 1 || summary.Updated[0] != existing.ID {
		t.Fatalf("expected fact %d updated, got %+v", existing.ID, summary)
	}
	if gs.CallCount("DeleteEdge") != 1 {
		t.Errorf("expected removed edge deleted, got %d calls", gs.CallCount("DeleteEdge"))
	}
	if gs.CallCount("DeleteEntity") != 1 {
		t.Errorf("expected orphaned entity %q deleted, got %d calls", "pizza", gs.CallCount("DeleteEntity"))
	}
	upserts := vs.Calls()
	if len(upserts) != 1 {
		t.Fatalf("expected 1 vector upsert, got %d", len(upserts))
	}
	point := upserts[0].Args[1].(store.VectorPoint)
	if point.ID != "v7" {
		t.Errorf("expected update to reuse vector id v7, got %q", point.ID)
	}
	updatedFact, err := rs.FactByID(ctx, owner, existing.ID)
	if err != nil || updatedFact.Content != "User likes chicken pizza" {
		t.Fatalf("fact row not updated as expected: %+v, err=%v", updatedFact, err)
	}
}

func TestExecute_DeleteRemovesVectorGraphAndFactRow(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	existing, _ := rs.CreateFact(ctx, store.Fact{
		Owner: owner, Content: "User dislikes cilantro", VectorID: "v9",
		Entities:  []types.Entity{{Name: "cilantro", Type: "item"}},
		Relations: []types.Relation{{Source: string(owner), Relation: "dislikes", Target: "cilantro"}},
	})

	gw := &mock.ModelGateway{}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{CountIncidentResult: 0}
	e := newExecutor(gw, vs, gs, rs)

	results := []store.JudgmentResult{{ID: existing.ID, Text: "User likes cilantro", Event: store.JudgmentDelete, Reason: "contradicts prior fact"}}

	summary := e.Execute(ctx, owner, types.MemoryID(1), nil, results, types.TraceID("t-3"))

	if len(summary.Deleted) != 1 || summary.Deleted[0] != existing.ID {
		t.Fatalf("expected fact %d deleted, got %+v", existing.ID, summary)
	}
	if vs.CallCount("Delete") != 1 {
		t.Errorf("expected vector Delete called once, got %d", vs.CallCount("Delete"))
	}
	if gs.CallCount("DeleteEdge") != 1 || gs.CallCount("DeleteEntity") != 1 {
		t.Errorf("expected edge and orphaned entity removed, got edges=%d entities=%d", gs.CallCount("DeleteEdge"), gs.CallCount("DeleteEntity"))
	}
	if _, err := rs.FactByID(ctx, owner, existing.ID); err == nil {
		t.Error("expected fact row to be gone")
	}
}

func TestExecute_DeleteOfAlreadyGoneFactIsSkippedNotDeleted(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	gw := &mock.ModelGateway{}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	e := newExecutor(gw, vs, gs, rs)

	results := []store.JudgmentResult{{ID: types.FactID(999), Text: "ghost", Event: store.JudgmentDelete, Reason: "contradicts"}}
	summary := e.Execute(ctx, owner, types.MemoryID(1), nil, results, types.TraceID("t-4"))

	if len(summary.Deleted) != 0 {
		t.Errorf("expected no deletions recorded for a missing fact, got %+v", summary.Deleted)
	}
	if vs.CallCount("Delete") != 0 {
		t.Errorf("expected no vector delete attempted for a missing fact")
	}
}

func TestDeleteByVectorID_RemovesVectorGraphAndFactRow(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	existing, _ := rs.CreateFact(ctx, store.Fact{
		Owner: owner, Content: "User dislikes cilantro", VectorID: "v9",
		Entities:  []types.Entity{{Name: "cilantro", Type: "item"}},
		Relations: []types.Relation{{Source: string(owner), Relation: "dislikes", Target: "cilantro"}},
	})

	gw := &mock.ModelGateway{}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{CountIncidentResult: 0}
	e := newExecutor(gw, vs, gs, rs)

	receipt, err := e.DeleteByVectorID(ctx, owner, existing.VectorID)
	if err != nil {
		t.Fatalf("DeleteByVectorID: %v", err)
	}
	if !receipt.Vector || !receipt.Graph || !receipt.Records {
		t.Errorf("expected all three stores reported as touched, got %+v", receipt)
	}
	if vs.CallCount("Delete") != 1 {
		t.Errorf("expected vector Delete called once, got %d", vs.CallCount("Delete"))
	}
	if _, err := rs.FactByID(ctx, owner, existing.ID); err == nil {
		t.Error("expected fact row to be gone")
	}
}

func TestDeleteByVectorID_UnknownIDReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	gw := &mock.ModelGateway{}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	e := newExecutor(gw, vs, gs, rs)

	receipt, err := e.DeleteByVectorID(ctx, owner, types.VectorID("ghost"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if receipt.Vector || receipt.Graph || receipt.Records {
		t.Errorf("expected a zero receipt on not-found, got %+v", receipt)
	}
	if vs.CallCount("Delete") != 0 {
		t.Errorf("expected no vector delete attempted")
	}
}

func TestExecute_NoneIsCountedAndCausesNoWrites(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	gw := &mock.ModelGateway{}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	e := newExecutor(gw, vs, gs, rs)

	results := []store.JudgmentResult{{ID: types.FactID(3), Text: "duplicate", Event: store.JudgmentNone, Reason: "already present"}}
	summary := e.Execute(ctx, owner, types.MemoryID(1), nil, results, types.TraceID("t-5"))

	if summary.NoneCount != 1 {
		t.Errorf("expected NoneCount=1, got %d", summary.NoneCount)
	}
	if len(summary.Added)+len(summary.Updated)+len(summary.Deleted) != 0 {
		t.Errorf("expected no store writes on NONE, got %+v", summary)
	}
	if rs.CallCount("CreateFact")+vs.CallCount("Upsert")+gs.CallCount("UpsertEntity") != 0 {
		t.Error("expected zero downstream calls for a NONE result")
	}
}

func TestExecuteBatch_CompensatesVectorOnFactInsertFailure(t *testing.T) {
	ctx := context.Background()
	gw := &mock.ModelGateway{ChatResult: `{"entities": [], "relations": []}`}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	rs := mock.NewRecordStore()
	rs.CreateFactErr = fmt.Errorf("constraint violation")
	e := newExecutor(gw, vs, gs, rs)

	facts := []extraction.Fact{{Content: "first fact", Category: types.CategoryFact, Importance: types.ImportanceLow}}
	summary := e.ExecuteBatch(ctx, owner, types.MemoryID(1), facts, types.TraceID("t-6"))

	if len(summary.Added) != 0 || len(summary.Failures) != 1 {
		t.Fatalf("expected a single recorded failure, got %+v", summary)
	}
	if vs.CallCount("Upsert") != 1 || vs.CallCount("Delete") != 1 {
		t.Errorf("expected the orphaned vector point to be written then compensated, got upserts=%d deletes=%d", vs.CallCount("Upsert"), vs.CallCount("Delete"))
	}
}

func TestExecuteBatch_AddsAllOnSuccess(t *testing.T) {
	ctx := context.Background()
	gw := &mock.ModelGateway{ChatResult: `{"entities": [], "relations": []}`}
	vs := &mock.VectorStore{}
	gs := &mock.GraphStore{}
	rs := mock.NewRecordStore()
	e := newExecutor(gw, vs, gs, rs)

	facts := []extraction.Fact{
		{Content: "fact one", Category: types.CategoryFact, Importance: types.ImportanceLow},
		{Content: "fact two", Category: types.CategoryFact, Importance: types.ImportanceHigh},
	}
	summary := e.ExecuteBatch(ctx, owner, types.MemoryID(1), facts, types.TraceID("t-7"))

	if len(summary.Added) != 2 || len(summary.Failures) != 0 {
		t.Fatalf("expected both facts added, got %+v", summary)
	}
}

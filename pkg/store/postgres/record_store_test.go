package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

func TestRecordStore_CreateAndFetchFact(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	mem, err := st.Records().CreateMemory(ctx, owner, "Zhang San works at Alibaba", nil)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	f, err := st.Records().CreateFact(ctx, store.Fact{
		Owner:      owner,
		MemoryID:   mem.ID,
		Content:    "works at Alibaba",
		Category:   types.CategoryFact,
		Importance: types.ImportanceMedium,
		VectorID:   types.VectorID("v1"),
	})
	if err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	if f.ID == 0 {
		t.Fatal("expected a nonzero fact id")
	}

	got, err := st.Records().FactByID(ctx, owner, f.ID)
	if err != nil {
		t.Fatalf("FactByID: %v", err)
	}
	if got.Content != f.Content {
		t.Errorf("content: got %q, want %q", got.Content, f.Content)
	}

	byVec, err := st.Records().FactByVectorID(ctx, owner, f.VectorID)
	if err != nil {
		t.Fatalf("FactByVectorID: %v", err)
	}
	if byVec.ID != f.ID {
		t.Errorf("expected same fact by vector id, got %d want %d", byVec.ID, f.ID)
	}
}

func TestRecordStore_UpdateFactPreservesIDAndVectorID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	mem, _ := st.Records().CreateMemory(ctx, owner, "User likes pizza", nil)
	f, err := st.Records().CreateFact(ctx, store.Fact{
		Owner: owner, MemoryID: mem.ID, Content: "User likes pizza",
		Category: types.CategoryPreference, Importance: types.ImportanceLow,
		VectorID: types.VectorID("v7"),
	})
	if err != nil {
		t.Fatalf("CreateFact: %v", err)
	}

	updated, err := st.Records().UpdateFact(ctx, store.Fact{
		ID: f.ID, Owner: owner, Content: "User likes chicken pizza",
		Category: types.CategoryPreference, Importance: types.ImportanceLow,
	})
	if err != nil {
		t.Fatalf("UpdateFact: %v", err)
	}
	if updated.ID != f.ID {
		t.Errorf("UpdateFact changed id: got %d, want %d", updated.ID, f.ID)
	}
	if updated.VectorID != f.VectorID {
		t.Errorf("UpdateFact changed vector id: got %q, want %q", updated.VectorID, f.VectorID)
	}
	if updated.Content != "User likes chicken pizza" {
		t.Errorf("content not updated: got %q", updated.Content)
	}
}

func TestRecordStore_UpdateFactNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Records().UpdateFact(ctx, store.Fact{ID: 99999, Owner: "owner-a", Content: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestRecordStore_DeleteFactThenNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	mem, _ := st.Records().CreateMemory(ctx, owner, "contradicted fact", nil)
	f, _ := st.Records().CreateFact(ctx, store.Fact{Owner: owner, MemoryID: mem.ID, Content: "x", VectorID: "v9"})

	if err := st.Records().DeleteFact(ctx, owner, f.ID); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}

	_, err := st.Records().FactByID(ctx, owner, f.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got: %v", err)
	}

	if err := st.Records().DeleteFact(ctx, owner, f.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("re-deleting should report ErrNotFound, got: %v", err)
	}
}

func TestRecordStore_JudgmentAuditRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	trace := types.TraceID("11111111-1111-1111-1111-111111111111")
	audit := store.JudgmentAudit{
		TraceID:       trace,
		Owner:         owner,
		OperationType: "MEMORY_UPDATE",
		InputContent:  "Zhang San works at Alibaba",
		Success:       true,
		ModelName:     "gpt-4o-mini",
	}
	if err := st.Records().CreateJudgmentAudit(ctx, audit); err != nil {
		t.Fatalf("CreateJudgmentAudit: %v", err)
	}
	if err := st.Records().UpdateJudgmentAuditSummary(ctx, trace, "added=2"); err != nil {
		t.Fatalf("UpdateJudgmentAuditSummary: %v", err)
	}
}

func TestRecordStore_FactsByIDsOmitsMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := types.Owner("owner-a")

	mem, _ := st.Records().CreateMemory(ctx, owner, "m", nil)
	f, _ := st.Records().CreateFact(ctx, store.Fact{Owner: owner, MemoryID: mem.ID, Content: "x", VectorID: "v1"})

	got, err := st.Records().FactsByIDs(ctx, owner, []types.FactID{f.ID, 999999})
	if err != nil {
		t.Fatalf("FactsByIDs: %v", err)
	}
	if len(got) != 1 || got[0].ID != f.ID {
		t.Fatalf("expected only the existing fact, got %+v", got)
	}
}

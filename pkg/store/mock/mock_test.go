package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/mock"
)

func TestVectorStore_RecordsCalls(t *testing.T) {
	vs := &mock.VectorStore{}
	ctx := context.Background()

	_ = vs.EnsureCollection(ctx, "owner-a")
	_ = vs.Upsert(ctx, "owner-a", store.VectorPoint{ID: "v1"})

	if got := vs.CallCount("EnsureCollection"); got != 1 {
		t.Errorf("EnsureCollection call count: got %d, want 1", got)
	}
	if got := vs.CallCount("Upsert"); got != 1 {
		t.Errorf("Upsert call count: got %d, want 1", got)
	}
	if got := vs.CallCount("Delete"); got != 0 {
		t.Errorf("Delete call count: got %d, want 0", got)
	}
}

func TestVectorStore_QueryDefaultsToEmptySlice(t *testing.T) {
	vs := &mock.VectorStore{}
	hits, err := vs.Query(context.Background(), "owner-a", nil, 5, 0, store.VectorFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", hits)
	}
}

func TestVectorStore_QueryReturnsConfiguredResult(t *testing.T) {
	vs := &mock.VectorStore{QueryResult: []store.VectorHit{{ID: "v1", Score: 0.9}}}
	hits, err := vs.Query(context.Background(), "owner-a", nil, 5, 0, store.VectorFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "v1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestRecordStore_CreateFactAssignsIncrementingIDs(t *testing.T) {
	rs := mock.NewRecordStore()
	ctx := context.Background()

	f1, err := rs.CreateFact(ctx, store.Fact{Owner: "owner-a", Content: "a"})
	if err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	f2, err := rs.CreateFact(ctx, store.Fact{Owner: "owner-a", Content: "b"})
	if err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	if f1.ID == f2.ID {
		t.Errorf("expected distinct ids, both were %d", f1.ID)
	}
}

func TestRecordStore_UpdateFactPreservesVectorID(t *testing.T) {
	rs := mock.NewRecordStore()
	ctx := context.Background()

	f, _ := rs.CreateFact(ctx, store.Fact{Owner: "owner-a", Content: "User likes pizza", VectorID: "v7"})

	updated, err := rs.UpdateFact(ctx, store.Fact{ID: f.ID, Owner: "owner-a", Content: "User likes chicken pizza"})
	if err != nil {
		t.Fatalf("UpdateFact: %v", err)
	}
	if updated.VectorID != "v7" {
		t.Errorf("expected vector id preserved, got %q", updated.VectorID)
	}
}

func TestRecordStore_UpdateFactNotFound(t *testing.T) {
	rs := mock.NewRecordStore()
	_, err := rs.UpdateFact(context.Background(), store.Fact{ID: 99})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestRecordStore_DeleteThenNotFound(t *testing.T) {
	rs := mock.NewRecordStore()
	ctx := context.Background()

	f, _ := rs.CreateFact(ctx, store.Fact{Owner: "owner-a", Content: "x"})
	if err := rs.DeleteFact(ctx, "owner-a", f.ID); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}
	if _, err := rs.FactByID(ctx, "owner-a", f.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got: %v", err)
	}
}

func TestModelGateway_EmbedDefaultsOneVectorPerText(t *testing.T) {
	mg := &mock.ModelGateway{}
	out, err := mg.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("expected one vector per input text, got %d vectors for 3 texts", len(out))
	}
}

func TestJobBroker_RecordsEnqueueArgs(t *testing.T) {
	jb := &mock.JobBroker{EnqueueResult: "task-1"}
	id, err := jb.Enqueue(context.Background(), "memory_free", []byte("payload"), store.RetryPolicy{MaxRetries: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "task-1" {
		t.Errorf("got %q, want %q", id, "task-1")
	}
	calls := jb.Calls()
	if len(calls) != 1 || calls[0].Method != "Enqueue" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

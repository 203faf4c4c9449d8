package judgment_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/lucidgraph/memengine/internal/judgment"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/mock"
	"github.com/lucidgraph/memengine/pkg/types"
)

func TestJudge_AddWhenNoCandidates(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"memory": [{"id": 1, "text": "works at Alibaba", "event": "ADD", "reason": "no existing memory entails this"}]}`}
	vs := &mock.VectorStore{}
	rs := mock.NewRecordStore()
	e := judgment.New(gw, vs, rs)

	out, err := e.Judge(context.Background(), "owner-a", "text-embedding-3-small", []string{"works at Alibaba"}, types.TraceID("t-1"))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if !out.Success {
		t.Fatal("expected Success=true for a well-formed response")
	}
	if len(out.Results) != 1 || out.Results[0].Event != store.JudgmentAdd {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestJudge_ResolvesCandidatesFromVectorHits(t *testing.T) {
	ctx := context.Background()
	rs := mock.NewRecordStore()
	existing, _ := rs.CreateFact(ctx, store.Fact{Owner: "owner-a", Content: "User likes pizza", VectorID: "v7"})

	vs := &mock.VectorStore{QueryResult: []store.VectorHit{
		{ID: "v7", Score: 0.9, Payload: store.VectorPayload{FactID: existing.ID}},
	}}
	gw := &mock.ModelGateway{ChatResult: fmt.Sprintf(`{"memory": [{"id": %d, "text": "User likes chicken pizza", "event": "UPDATE", "old_memory": "User likes pizza", "reason": "refines prior preference"}]}`, existing.ID)}
	e := judgment.New(gw, vs, rs)

	out, err := e.Judge(ctx, "owner-a", "text-embedding-3-small", []string{"Likes chicken pizza specifically"}, types.TraceID("t-2"))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if len(out.Candidates) != 1 || out.Candidates[0].ID != existing.ID {
		t.Fatalf("expected candidate resolved from vector hit, got: %+v", out.Candidates)
	}
	if len(out.Results) != 1 || out.Results[0].Event != store.JudgmentUpdate || out.Results[0].ID != existing.ID {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestJudge_UnparsableResponseFallsBackToAddAll(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: "not json"}
	vs := &mock.VectorStore{}
	rs := mock.NewRecordStore()
	e := judgment.New(gw, vs, rs)

	out, err := e.Judge(context.Background(), "owner-a", "text-embedding-3-small", []string{"fact one", "fact two"}, types.TraceID("t-3"))
	if err != nil {
		t.Fatalf("expected graceful fallback, got error: %v", err)
	}
	if out.Success {
		t.Fatal("expected Success=false on fallback")
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected one ADD per new fact, got %d", len(out.Results))
	}
	for _, r := range out.Results {
		if r.Event != store.JudgmentAdd {
			t.Errorf("expected ADD, got %q", r.Event)
		}
	}
}

func TestJudge_MissingReasonIsTreatedAsUnparsable(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"memory": [{"id": 1, "text": "x", "event": "ADD"}]}`}
	vs := &mock.VectorStore{}
	rs := mock.NewRecordStore()
	e := judgment.New(gw, vs, rs)

	out, err := e.Judge(context.Background(), "owner-a", "m", []string{"x"}, types.TraceID("t-4"))
	if err != nil {
		t.Fatalf("expected graceful fallback, got error: %v", err)
	}
	if out.Success {
		t.Fatal("expected fallback when reason is missing")
	}
}


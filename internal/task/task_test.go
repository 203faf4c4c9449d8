package task

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/internal/judgment"
	"github.com/lucidgraph/memengine/internal/pipeline"
	"github.com/lucidgraph/memengine/internal/reconcile"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/mock"
	"github.com/lucidgraph/memengine/pkg/types"
)

const owner = types.Owner("owner-a")

func newRuntime(gw *mock.ModelGateway, broker *mock.JobBroker) (*Runtime, *mock.VectorStore, *mock.GraphStore, *mock.RecordStore) {
	vec := &mock.VectorStore{}
	graph := &mock.GraphStore{}
	records := mock.NewRecordStore()
	extractor := extraction.New(gw)
	judge := judgment.New(gw, vec, records)
	reconciler := reconcile.New(vec, graph, records, gw, extractor)
	pre := pipeline.New(gw)
	rt := New(broker, records, extractor, judge, reconciler, pre)
	return rt, vec, graph, records
}

func TestEnqueueMemory_RejectsEmptyContentWithoutEnqueuing(t *testing.T) {
	broker := &mock.JobBroker{EnqueueResult: "t-1"}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	_, err := rt.EnqueueMemory(context.Background(), owner, "   ", nil, false, "key-1", "free")
	if err == nil {
		t.Fatal("expected rejection of empty content")
	}
	if broker.CallCount("Enqueue") != 0 {
		t.Errorf("expected no enqueue call, got %d", broker.CallCount("Enqueue"))
	}
}

func TestEnqueueMemory_RoutesByTier(t *testing.T) {
	broker := &mock.JobBroker{EnqueueResult: "t-2"}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	if _, err := rt.EnqueueMemory(context.Background(), owner, "likes coffee", nil, false, "key-1", "pro"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := broker.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one enqueue call, got %d", len(calls))
	}
	if queue := calls[0].Args[0].(string); queue != QueuePro {
		t.Errorf("expected routing to %q, got %q", QueuePro, queue)
	}
}

func TestEnqueueBatch_RejectsOversizeBatch(t *testing.T) {
	broker := &mock.JobBroker{EnqueueResult: "t-3"}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	items := make([]BatchItem, maxBatchSize+1)
	for i := range items {
		items[i] = BatchItem{Content: "fact"}
	}
	_, _, err := rt.EnqueueBatch(context.Background(), owner, items, "key-1", "free")
	if err == nil {
		t.Fatal("expected rejection of oversize batch")
	}
	if broker.CallCount("Enqueue") != 0 {
		t.Errorf("expected no enqueue call, got %d", broker.CallCount("Enqueue"))
	}
}

func TestEnqueueBatch_RejectsEmptyBatch(t *testing.T) {
	broker := &mock.JobBroker{}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	if _, _, err := rt.EnqueueBatch(context.Background(), owner, nil, "key-1", "free"); err == nil {
		t.Fatal("expected rejection of empty batch")
	}
}

func TestEnqueueConversation_RejectsEmptyMessages(t *testing.T) {
	broker := &mock.JobBroker{}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	if _, _, err := rt.EnqueueConversation(context.Background(), owner, "conv-1", nil, "key-1", true, "free"); err == nil {
		t.Fatal("expected rejection of empty conversation")
	}
}

func TestRunPipeline_NoFactsRecordsNoneAuditAndMakesNoWrites(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"facts": []}`}
	rt, vec, _, records := newRuntime(gw, &mock.JobBroker{})

	result, err := rt.runPipeline(context.Background(), types.TraceID("trace-1"), owner, types.MemoryID(1), "nothing durable here", false, "key-1", "MEMORY_ADD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "event=NONE" {
		t.Fatalf("expected event=NONE, got %q", result)
	}
	if vec.CallCount("Upsert") != 0 {
		t.Errorf("expected no vector writes, got %d", vec.CallCount("Upsert"))
	}
	if records.CallCount("CreateJudgmentAudit") != 1 {
		t.Fatalf("expected one audit row, got %d", records.CallCount("CreateJudgmentAudit"))
	}
}

func TestRunPipeline_SkipJudgeAddsEveryFact(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"facts": [{"content": "likes tea", "category": "preference", "importance": "medium"}]}`}
	rt, vec, _, records := newRuntime(gw, &mock.JobBroker{})

	result, err := rt.runPipeline(context.Background(), types.TraceID("trace-2"), owner, types.MemoryID(1), "I like tea", true, "key-1", "MEMORY_ADD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "added=1") {
		t.Fatalf("expected one addition, got %q", result)
	}
	if vec.CallCount("Upsert") != 1 {
		t.Errorf("expected one vector upsert, got %d", vec.CallCount("Upsert"))
	}
	if records.CallCount("CreateJudgmentAudit") != 1 {
		t.Errorf("expected exactly one audit row even on the skip-judge path")
	}
}

func TestRunBatchAdd_AddsFactsFromEveryItem(t *testing.T) {
	gw := &mock.ModelGateway{ChatResult: `{"facts": [{"content": "likes tea", "category": "preference", "importance": "medium"}]}`}
	rt, _, _, _ := newRuntime(gw, &mock.JobBroker{})

	payload := BatchAddPayload{Owner: owner, Items: []BatchItem{
		{Content: "I like tea"},
		{Content: "I like coffee"},
	}}
	result, err := rt.runBatchAdd(context.Background(), types.TraceID("trace-3"), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "added=2") {
		t.Fatalf("expected both items added, got %q", result)
	}
}

func TestDispatch_UnknownKindIsPermanentlyRejected(t *testing.T) {
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, &mock.JobBroker{})

	env := envelope{Kind: Kind("memory.bogus"), Payload: json.RawMessage(`{}`), TraceID: types.TraceID("trace-4")}
	_, err := rt.dispatch(context.Background(), env)
	if err == nil {
		t.Fatal("expected an error for an unknown task kind")
	}
}

func TestHandle_NacksUndecodableEnvelopeWithoutPanicking(t *testing.T) {
	broker := &mock.JobBroker{}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	rt.handle(context.Background(), "worker-1", QueueFree, "task-1", []byte("not json"))
	if broker.CallCount("Nack") != 1 {
		t.Errorf("expected a Nack for the undecodable envelope, got %d calls", broker.CallCount("Nack"))
	}
}

func TestHandle_ClearsBackoffStateOnImmediateDeadLetter(t *testing.T) {
	broker := &mock.JobBroker{
		DequeuePayload: []byte(`{}`),
		StatusResult:   store.TaskStatus{Status: store.TaskFailure},
	}
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, broker)

	env := envelope{Kind: Kind("memory.bogus"), Payload: json.RawMessage(`{}`), TraceID: types.TraceID("trace-5")}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	rt.handle(context.Background(), "worker-1", QueueFree, "task-5", payload)

	if calls := broker.CallCount("Nack"); calls != 1 {
		t.Fatalf("expected one Nack for the unknown-kind task, got %d", calls)
	}
	rt.mu.Lock()
	_, leaked := rt.attempts["task-5"]
	rt.mu.Unlock()
	if leaked {
		t.Error("expected attempts map entry to be cleared after a dead-lettered task, but it leaked")
	}
}

func TestBackoff_GrowsExponentiallyAndResetsOnSuccess(t *testing.T) {
	rt, _, _, _ := newRuntime(&mock.ModelGateway{}, &mock.JobBroker{})
	rt.retryPolicy = store.RetryPolicy{MaxRetries: 5, BaseDelay: 1000}

	first := rt.nextBackoff("task-x")
	second := rt.nextBackoff("task-x")
	if second <= first {
		t.Fatalf("expected exponential growth, got %d then %d", first, second)
	}
	rt.clearBackoff("task-x")
	reset := rt.nextBackoff("task-x")
	if reset != first {
		t.Fatalf("expected backoff to reset to %d after clear, got %d", first, reset)
	}
}

func TestQueueForTier(t *testing.T) {
	if QueueForTier("pro") != QueuePro {
		t.Errorf("expected pro tier to route to %q", QueuePro)
	}
	if QueueForTier("free") != QueueFree {
		t.Errorf("expected unrecognized tier to default to %q", QueueFree)
	}
}

// Package task implements the tiered asynchronous task runtime: the
// ingest seam that enqueues memory work, the worker pool that drains the
// tier-matched queues at a concurrency bounded by the model gateway's safe
// parallelism, and the dispatch of each task kind through extraction,
// judgment, and reconciliation.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/internal/judgment"
	"github.com/lucidgraph/memengine/internal/pipeline"
	"github.com/lucidgraph/memengine/internal/reconcile"
	"github.com/lucidgraph/memengine/internal/taskerr"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// Kind names a task payload shape on the wire.
type Kind string

const (
	KindAdd          Kind = "memory.add"
	KindBatchAdd     Kind = "memory.batch_add"
	KindUpdate       Kind = "memory.update"
	KindDelete       Kind = "memory.delete"
	KindConversation Kind = "memory.conversation"
)

const (
	// QueueFree serves default-tier callers.
	QueueFree = "memory_free"
	// QueuePro serves subscription-tier callers; drained with priority
	// over QueueFree but never to the point of starving it.
	QueuePro = "memory_pro"

	maxBatchSize  = 200
	proPeekWindow = 200 * time.Millisecond

	defaultConcurrency    = 2
	defaultSoftTimeLimit  = 240 * time.Second
	defaultHardTimeLimit  = 300 * time.Second
	defaultRetryMax       = 3
	defaultRetryBaseDelay = 10_000 // milliseconds
)

// QueueForTier maps a caller's subscription tier onto a queue name. The
// runtime is agnostic to tier semantics beyond this mapping.
func QueueForTier(tier string) string {
	if tier == "pro" {
		return QueuePro
	}
	return QueueFree
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	TraceID types.TraceID   `json:"trace_id"`
}

// AddPayload backs memory.add, memory.update, and memory.delete: update
// and delete are thin wrappers that funnel the same content through
// extraction and judgment so the model decides the operation semantically.
type AddPayload struct {
	Owner     types.Owner    `json:"owner"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SkipJudge bool           `json:"skip_judge,omitempty"`
	APIKeyID  string         `json:"api_key_id,omitempty"`
}

// BatchItem is one entry of a memory.batch_add payload.
type BatchItem struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BatchAddPayload backs memory.batch_add.
type BatchAddPayload struct {
	Owner    types.Owner `json:"owner"`
	Items    []BatchItem `json:"items"`
	APIKeyID string      `json:"api_key_id,omitempty"`
}

// ConversationPayload backs memory.conversation, the enqueueConversation
// ingest seam.
type ConversationPayload struct {
	Owner          types.Owner     `json:"owner"`
	ConversationID string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
	APIKeyID       string          `json:"api_key_id,omitempty"`
	NeedsSummary   bool            `json:"needs_summary,omitempty"`
}

// Option configures a [Runtime].
type Option func(*Runtime)

// WithEmbedModel overrides the embedding model name passed to judgment.
func WithEmbedModel(model string) Option {
	return func(r *Runtime) { r.embedModel = model }
}

// WithConcurrency overrides the number of worker goroutines, which should
// not exceed the model gateway's safe parallelism. Default: 2.
func WithConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetryPolicy overrides the retry policy attached to every enqueued
// task.
func WithRetryPolicy(policy store.RetryPolicy) Option {
	return func(r *Runtime) { r.retryPolicy = policy }
}

// WithSoftTimeLimit overrides the duration after which a running task logs
// a warning but continues.
func WithSoftTimeLimit(d time.Duration) Option {
	return func(r *Runtime) { r.softTimeLimit = d }
}

// WithHardTimeLimit overrides the duration after which a running task's
// context is cancelled and it is retried. Must exceed the soft time limit.
func WithHardTimeLimit(d time.Duration) Option {
	return func(r *Runtime) { r.hardTimeLimit = d }
}

// Runtime implements the ingest, worker, and status seams over the write
// pipeline's components.
type Runtime struct {
	broker     store.JobBroker
	records    store.RecordStore
	extractor  *extraction.Engine
	judge      *judgment.Engine
	reconciler *reconcile.Executor
	pre        *pipeline.Engine

	embedModel    string
	concurrency   int
	retryPolicy   store.RetryPolicy
	softTimeLimit time.Duration
	hardTimeLimit time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// New returns a Runtime.
func New(broker store.JobBroker, records store.RecordStore, extractor *extraction.Engine, judge *judgment.Engine, reconciler *reconcile.Executor, pre *pipeline.Engine, opts ...Option) *Runtime {
	r := &Runtime{
		broker:        broker,
		records:       records,
		extractor:     extractor,
		judge:         judge,
		reconciler:    reconciler,
		pre:           pre,
		embedModel:    "text-embedding-3-small",
		concurrency:   defaultConcurrency,
		retryPolicy:   store.RetryPolicy{MaxRetries: defaultRetryMax, BaseDelay: defaultRetryBaseDelay},
		softTimeLimit: defaultSoftTimeLimit,
		hardTimeLimit: defaultHardTimeLimit,
		logger:        slog.Default(),
		attempts:      make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// EnqueueMemory is the `enqueueMemory` ingest seam.
func (r *Runtime) EnqueueMemory(ctx context.Context, owner types.Owner, content string, metadata map[string]any, skipJudge bool, apiKeyID, tier string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", taskerr.New(taskerr.PermanentReject, errors.New("content must not be empty"))
	}
	return r.enqueue(ctx, QueueForTier(tier), KindAdd, AddPayload{
		Owner: owner, Content: content, Metadata: metadata, SkipJudge: skipJudge, APIKeyID: apiKeyID,
	})
}

// EnqueueUpdate and EnqueueDelete expose memory.update/memory.delete; both
// funnel through the same add+judgment path as EnqueueMemory, trusting the
// judgment model to pick the actual UPDATE or DELETE operation.
func (r *Runtime) EnqueueUpdate(ctx context.Context, owner types.Owner, content string, apiKeyID, tier string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", taskerr.New(taskerr.PermanentReject, errors.New("content must not be empty"))
	}
	return r.enqueue(ctx, QueueForTier(tier), KindUpdate, AddPayload{Owner: owner, Content: content, APIKeyID: apiKeyID})
}

func (r *Runtime) EnqueueDelete(ctx context.Context, owner types.Owner, content string, apiKeyID, tier string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", taskerr.New(taskerr.PermanentReject, errors.New("content must not be empty"))
	}
	return r.enqueue(ctx, QueueForTier(tier), KindDelete, AddPayload{Owner: owner, Content: content, APIKeyID: apiKeyID})
}

// EnqueueBatch is the `enqueueBatch` ingest seam. Batch size is bounded at
// 200; above this the caller must split and is told so synchronously.
func (r *Runtime) EnqueueBatch(ctx context.Context, owner types.Owner, items []BatchItem, apiKeyID, tier string) (string, int, error) {
	if len(items) == 0 {
		return "", 0, taskerr.New(taskerr.PermanentReject, errors.New("batch must not be empty"))
	}
	if len(items) > maxBatchSize {
		return "", 0, taskerr.New(taskerr.PermanentReject, fmt.Errorf("batch size %d exceeds max %d", len(items), maxBatchSize))
	}
	taskID, err := r.enqueue(ctx, QueueForTier(tier), KindBatchAdd, BatchAddPayload{Owner: owner, Items: items, APIKeyID: apiKeyID})
	if err != nil {
		return "", 0, err
	}
	return taskID, len(items), nil
}

// EnqueueConversation is the `enqueueConversation` ingest seam.
func (r *Runtime) EnqueueConversation(ctx context.Context, owner types.Owner, conversationID string, messages []types.Message, apiKeyID string, needsSummary bool, tier string) (string, int, error) {
	if len(messages) == 0 {
		return "", 0, taskerr.New(taskerr.PermanentReject, errors.New("messages must not be empty"))
	}
	taskID, err := r.enqueue(ctx, QueueForTier(tier), KindConversation, ConversationPayload{
		Owner: owner, ConversationID: conversationID, Messages: messages, APIKeyID: apiKeyID, NeedsSummary: needsSummary,
	})
	if err != nil {
		return "", 0, err
	}
	return taskID, len(messages), nil
}

// Status is the `taskStatus` status seam.
func (r *Runtime) Status(ctx context.Context, taskID string) (store.TaskStatus, error) {
	return r.broker.Status(ctx, taskID)
}

func (r *Runtime) enqueue(ctx context.Context, queue string, kind Kind, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", taskerr.New(taskerr.PermanentReject, err)
	}
	env := envelope{Kind: kind, Payload: body, TraceID: types.TraceID(uuid.NewString())}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", taskerr.New(taskerr.PermanentReject, err)
	}
	taskID, err := r.broker.Enqueue(ctx, queue, raw, r.retryPolicy)
	if err != nil {
		return "", taskerr.Wrap(err)
	}
	return taskID, nil
}

// Run starts concurrency worker goroutines draining memory_pro (with
// priority) and memory_free, blocking until ctx is done.
func (r *Runtime) Run(ctx context.Context, workerIDPrefix string) {
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.workerLoop(ctx, fmt.Sprintf("%s-%d", workerIDPrefix, i))
		}(i)
	}
	wg.Wait()
}

func (r *Runtime) workerLoop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		taskID, payload, queue, err := r.dequeueNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", "worker", workerID, "error", err)
			continue
		}
		r.handle(ctx, workerID, queue, taskID, payload)
	}
}

// dequeueNext gives memory_pro a short priority window on every iteration
// before falling back to a blocking dequeue of memory_free, so pro-tier
// tasks jump the line without starving free-tier ones when the pro queue is
// empty.
func (r *Runtime) dequeueNext(ctx context.Context, workerID string) (taskID string, payload []byte, queue string, err error) {
	proCtx, cancel := context.WithTimeout(ctx, proPeekWindow)
	id, body, perr := r.broker.Dequeue(proCtx, QueuePro, workerID, r.hardTimeLimit.Milliseconds())
	cancel()
	if perr == nil {
		return id, body, QueuePro, nil
	}
	if ctx.Err() != nil {
		return "", nil, "", ctx.Err()
	}

	id, body, ferr := r.broker.Dequeue(ctx, QueueFree, workerID, r.hardTimeLimit.Milliseconds())
	if ferr != nil {
		return "", nil, "", ferr
	}
	return id, body, QueueFree, nil
}

func (r *Runtime) handle(ctx context.Context, workerID, queue, taskID string, payload []byte) {
	taskCtx, cancel := context.WithTimeout(ctx, r.hardTimeLimit)
	defer cancel()

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Error("FAILED", "task_id", taskID, "worker", workerID, "error", "undecodable task envelope")
		_ = r.broker.Nack(ctx, taskID, "undecodable task envelope", 0)
		return
	}

	start := time.Now()
	r.logger.Info("START", "trace_id", env.TraceID, "task_id", taskID, "worker", workerID, "queue", queue, "kind", env.Kind, "payload_bytes", len(env.Payload))

	softTimer := time.AfterFunc(r.softTimeLimit, func() {
		r.logger.Warn("soft time limit exceeded", "trace_id", env.TraceID, "task_id", taskID)
	})
	result, terr := r.dispatch(taskCtx, env)
	softTimer.Stop()
	duration := time.Since(start)

	if terr != nil {
		wrapped := taskerr.Wrap(terr)
		r.logger.Error("FAILED", "trace_id", env.TraceID, "task_id", taskID, "duration_ms", duration.Milliseconds(), "kind", wrapped.Kind, "error", wrapped.Err)
		if taskerr.Retryable(wrapped.Kind) {
			if err := r.broker.Nack(taskCtx, taskID, wrapped.Error(), r.nextBackoff(taskID)); err != nil {
				r.logger.Error("nack failed", "task_id", taskID, "error", err)
			}
			if status, err := r.broker.Status(taskCtx, taskID); err == nil && status.Status == store.TaskFailure {
				r.clearBackoff(taskID)
			}
			return
		}
		// Non-retryable: dead-letter immediately rather than consuming the
		// retry budget on a failure that will not change on replay.
		if err := r.broker.Nack(taskCtx, taskID, wrapped.Error(), -1); err != nil {
			r.logger.Error("nack failed", "task_id", taskID, "error", err)
		}
		r.clearBackoff(taskID)
		return
	}

	r.clearBackoff(taskID)
	if err := r.broker.Ack(taskCtx, taskID); err != nil {
		r.logger.Error("ack failed", "task_id", taskID, "error", err)
	}
	r.logger.Info("SUCCESS", "trace_id", env.TraceID, "task_id", taskID, "duration_ms", duration.Milliseconds(), "result", result)
}

func (r *Runtime) dispatch(ctx context.Context, env envelope) (string, error) {
	switch env.Kind {
	case KindAdd:
		var p AddPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", taskerr.New(taskerr.PermanentReject, err)
		}
		mem, err := r.records.CreateMemory(ctx, p.Owner, p.Content, p.Metadata)
		if err != nil {
			return "", taskerr.Wrap(err)
		}
		return r.runPipeline(ctx, env.TraceID, p.Owner, mem.ID, p.Content, p.SkipJudge, p.APIKeyID, "MEMORY_ADD")

	case KindUpdate:
		var p AddPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", taskerr.New(taskerr.PermanentReject, err)
		}
		mem, err := r.records.CreateMemory(ctx, p.Owner, p.Content, p.Metadata)
		if err != nil {
			return "", taskerr.Wrap(err)
		}
		return r.runPipeline(ctx, env.TraceID, p.Owner, mem.ID, p.Content, false, p.APIKeyID, "MEMORY_UPDATE")

	case KindDelete:
		var p AddPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", taskerr.New(taskerr.PermanentReject, err)
		}
		mem, err := r.records.CreateMemory(ctx, p.Owner, p.Content, p.Metadata)
		if err != nil {
			return "", taskerr.Wrap(err)
		}
		return r.runPipeline(ctx, env.TraceID, p.Owner, mem.ID, p.Content, false, p.APIKeyID, "MEMORY_DELETE")

	case KindBatchAdd:
		var p BatchAddPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", taskerr.New(taskerr.PermanentReject, err)
		}
		return r.runBatchAdd(ctx, env.TraceID, p)

	case KindConversation:
		var p ConversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", taskerr.New(taskerr.PermanentReject, err)
		}
		content := r.pre.Process(ctx, p.Messages, p.NeedsSummary, string(env.TraceID))
		mem, err := r.records.CreateMemory(ctx, p.Owner, content, map[string]any{"conversation_id": p.ConversationID})
		if err != nil {
			return "", taskerr.Wrap(err)
		}
		return r.runPipeline(ctx, env.TraceID, p.Owner, mem.ID, content, false, p.APIKeyID, "MEMORY_CONVERSATION")

	default:
		return "", taskerr.New(taskerr.PermanentReject, fmt.Errorf("unknown task kind %q", env.Kind))
	}
}

// runPipeline is the core extract -> (skip-judge ADD-all | judge) ->
// reconcile sequence shared by memory.add, memory.update, memory.delete,
// and memory.conversation.
func (r *Runtime) runPipeline(ctx context.Context, traceID types.TraceID, owner types.Owner, memoryID types.MemoryID, content string, skipJudge bool, apiKeyID, operationType string) (string, error) {
	facts, err := r.extractor.ExtractFacts(ctx, content, string(traceID))
	if err != nil {
		return "", taskerr.Wrap(err)
	}
	if len(facts) == 0 {
		r.writeAudit(ctx, store.JudgmentAudit{
			TraceID: traceID, Owner: owner, APIKeyID: apiKeyID, OperationType: operationType,
			InputContent: content, Reasoning: "no durable facts extracted", Success: true,
			ExecutedSummary: "event=NONE", Timestamp: time.Now(),
		})
		return "event=NONE", nil
	}

	if skipJudge {
		summary := r.reconciler.ExecuteBatch(ctx, owner, memoryID, facts, traceID)
		result := formatSummary(summary)
		r.writeAudit(ctx, store.JudgmentAudit{
			TraceID: traceID, Owner: owner, APIKeyID: apiKeyID, OperationType: operationType,
			InputContent: content, ExtractedFacts: factTexts(facts), Reasoning: "skip_judge: trusted bulk ADD",
			Success: true, ExecutedSummary: result, Timestamp: time.Now(),
		})
		return result, nil
	}

	texts := factTexts(facts)
	outcome, err := r.judge.Judge(ctx, owner, r.embedModel, texts, traceID)
	if err != nil {
		return "", taskerr.Wrap(err)
	}

	r.writeAudit(ctx, store.JudgmentAudit{
		TraceID: traceID, Owner: owner, APIKeyID: apiKeyID, OperationType: operationType,
		InputContent: content, ExtractedFacts: texts, CandidateMemories: outcome.Candidates,
		RawModelResponse: outcome.RawResponse, ParsedOperations: outcome.Results,
		Reasoning: joinReasons(outcome.Results), Success: outcome.Success, Timestamp: time.Now(),
	})

	summary := r.reconciler.Execute(ctx, owner, memoryID, facts, outcome.Results, traceID)
	result := formatSummary(summary)
	if err := r.records.UpdateJudgmentAuditSummary(ctx, traceID, result); err != nil {
		r.logger.Error("audit summary update failed", "trace_id", traceID, "error", err)
	}
	return result, nil
}

func (r *Runtime) runBatchAdd(ctx context.Context, traceID types.TraceID, p BatchAddPayload) (string, error) {
	var allAdded []types.FactID
	var allFailures []reconcile.Failure

	for i, item := range p.Items {
		mem, err := r.records.CreateMemory(ctx, p.Owner, item.Content, item.Metadata)
		if err != nil {
			allFailures = append(allFailures, reconcile.Failure{Text: item.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("create memory: %v", err)})
			r.logger.Warn("PROGRESS", "trace_id", traceID, "item", i, "status", "memory create failed", "error", err)
			continue
		}

		facts, err := r.extractor.ExtractFacts(ctx, item.Content, string(traceID))
		if err != nil {
			allFailures = append(allFailures, reconcile.Failure{Text: item.Content, Event: store.JudgmentAdd, Reason: fmt.Sprintf("extract facts: %v", err)})
			r.logger.Warn("PROGRESS", "trace_id", traceID, "item", i, "status", "extraction failed", "error", err)
			continue
		}

		itemSummary := r.reconciler.ExecuteBatch(ctx, p.Owner, mem.ID, facts, traceID)
		allAdded = append(allAdded, itemSummary.Added...)
		allFailures = append(allFailures, itemSummary.Failures...)
		r.logger.Info("PROGRESS", "trace_id", traceID, "item", i, "added", len(itemSummary.Added), "failed", len(itemSummary.Failures))
	}

	result := fmt.Sprintf("added=%d failed=%d", len(allAdded), len(allFailures))
	r.writeAudit(ctx, store.JudgmentAudit{
		TraceID: traceID, Owner: p.Owner, APIKeyID: p.APIKeyID, OperationType: "MEMORY_BATCH_ADD",
		InputContent: fmt.Sprintf("%d items", len(p.Items)), Reasoning: "skip_judge: trusted bulk ADD",
		Success: len(allFailures) == 0, ExecutedSummary: result, Timestamp: time.Now(),
	})
	return result, nil
}

func (r *Runtime) writeAudit(ctx context.Context, a store.JudgmentAudit) {
	if err := r.records.CreateJudgmentAudit(ctx, a); err != nil {
		r.logger.Error("audit create failed", "trace_id", a.TraceID, "error", err)
	}
}

func (r *Runtime) nextBackoff(taskID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.attempts[taskID]
	r.attempts[taskID] = n + 1
	delay := float64(r.retryPolicy.BaseDelay) * math.Pow(2, float64(n))
	if cap := float64(r.hardTimeLimit.Milliseconds()); delay > cap {
		delay = cap
	}
	return int64(delay)
}

func (r *Runtime) clearBackoff(taskID string) {
	r.mu.Lock()
	delete(r.attempts, taskID)
	r.mu.Unlock()
}

func factTexts(facts []extraction.Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.Content
	}
	return out
}

func joinReasons(results []store.JudgmentResult) string {
	reasons := make([]string, len(results))
	for i, r := range results {
		reasons[i] = fmt.Sprintf("%s: %s", r.Event, r.Reason)
	}
	return strings.Join(reasons, "; ")
}

func formatSummary(s reconcile.Summary) string {
	return fmt.Sprintf("added=%d updated=%d deleted=%d none=%d failed=%d",
		len(s.Added), len(s.Updated), len(s.Deleted), s.NoneCount, len(s.Failures))
}

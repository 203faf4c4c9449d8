// Package app wires all memory-engine subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the task-runtime worker loop, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithVectorStore, WithGraphStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucidgraph/memengine/internal/config"
	"github.com/lucidgraph/memengine/internal/extraction"
	"github.com/lucidgraph/memengine/internal/judgment"
	"github.com/lucidgraph/memengine/internal/reconcile"
	"github.com/lucidgraph/memengine/internal/retrieval"
	"github.com/lucidgraph/memengine/internal/pipeline"
	"github.com/lucidgraph/memengine/internal/task"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lucidgraph/memengine/pkg/gateway"
	"github.com/lucidgraph/memengine/pkg/jobqueue"
	"github.com/lucidgraph/memengine/pkg/provider/embeddings"
	"github.com/lucidgraph/memengine/pkg/provider/llm"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/store/postgres"
)

// defaultEmbeddingDimensions is used when Store.EmbeddingDimensions is unset,
// matching OpenAI's text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// defaultBrokerQueueDepth bounds how many pending jobs each broker queue can
// buffer before Enqueue blocks.
const defaultBrokerQueueDepth = 1024

// Providers holds one interface value per model-backed concern. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the memory engine.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	vector     store.VectorStore
	graph      store.GraphStore
	records    store.RecordStore
	gateway    store.ModelGateway
	broker     store.JobBroker
	extractor  *extraction.Engine
	judge      *judgment.Engine
	reconciler *reconcile.Executor
	composer   *retrieval.Composer
	pre        *pipeline.Engine
	runtime    *task.Runtime
	pool       *pgxpool.Pool // nil when stores were injected rather than connected here

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVectorStore injects a vector store instead of connecting one from config.
func WithVectorStore(v store.VectorStore) Option {
	return func(a *App) { a.vector = v }
}

// WithGraphStore injects a graph store instead of connecting one from config.
func WithGraphStore(g store.GraphStore) Option {
	return func(a *App) { a.graph = g }
}

// WithRecordStore injects a record store instead of connecting one from config.
func WithRecordStore(r store.RecordStore) Option {
	return func(a *App) { a.records = r }
}

// WithGateway injects a model gateway instead of building one from Providers.
func WithGateway(g store.ModelGateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithBroker injects a job broker instead of creating an in-process one.
func WithBroker(b store.JobBroker) Option {
	return func(a *App) { a.broker = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection, gateway
// construction, broker construction, and assembly of the extraction,
// judgment, reconciliation, retrieval, and task-runtime components.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Store (vector index + graph + record store) ──────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Model gateway ──────────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 3. Job broker ─────────────────────────────────────────────────────
	a.initBroker()

	// ── 4. Write-pipeline components ─────────────────────────────────────
	a.initPipeline()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to the backing Postgres instance unless all three store
// seams were injected.
func (a *App) initStore(ctx context.Context) error {
	if a.vector != nil && a.graph != nil && a.records != nil {
		return nil // fully injected
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("store.postgres_dsn is required when stores are not injected")
	}

	dims := a.cfg.Store.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	st, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}

	if a.vector == nil {
		a.vector = st.Vector()
	}
	if a.graph == nil {
		a.graph = st.Graph()
	}
	if a.records == nil {
		a.records = st.Records()
	}
	a.pool = st.Pool()

	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initGateway builds the model gateway from the configured providers unless
// one was injected.
func (a *App) initGateway() error {
	if a.gateway != nil {
		return nil
	}
	if a.providers == nil || a.providers.LLM == nil {
		return fmt.Errorf("an LLM provider is required when a gateway is not injected")
	}
	if a.providers.Embeddings == nil {
		return fmt.Errorf("an embeddings provider is required when a gateway is not injected")
	}
	a.gateway = gateway.New(a.providers.LLM, a.providers.Embeddings)
	return nil
}

// initBroker creates the in-process job broker unless one was injected.
func (a *App) initBroker() {
	if a.broker != nil {
		return
	}
	a.broker = jobqueue.New(defaultBrokerQueueDepth)
}

// initPipeline wires the extraction, judgment, reconciliation, retrieval, and
// task-runtime components on top of the stores and gateway.
func (a *App) initPipeline() {
	embedModel := a.cfg.Providers.Embeddings.Model

	a.extractor = extraction.New(a.gateway, extraction.WithModel(a.cfg.Providers.LLM.Model))

	a.judge = judgment.New(a.gateway, a.vector, a.records,
		judgment.WithModel(a.cfg.Providers.LLM.Model),
		withPositiveNeighborCount(a.cfg.Judgment.NeighborCount),
		withPositiveScoreFloor(a.cfg.Judgment.ScoreFloor),
	)

	a.reconciler = reconcile.New(a.vector, a.graph, a.records, a.gateway, a.extractor,
		reconcile.WithEmbedModel(embedModel),
	)

	a.composer = retrieval.New(a.gateway, a.vector, a.graph, a.records,
		retrieval.WithEmbedModel(embedModel),
		withPositiveMaxGraphEntities(a.cfg.Retrieval.MaxGraphEntities),
		withPositiveMaxRelatedMemories(a.cfg.Retrieval.MaxRelatedMemories),
		withPositiveDefaultLimit(a.cfg.Retrieval.DefaultLimit),
	)

	a.pre = pipeline.New(a.gateway,
		pipeline.WithModel(a.cfg.Providers.LLM.Model),
		withPositiveSummarizeThreshold(a.cfg.Pipeline.SummarizeThreshold),
		pipeline.WithRedaction(a.cfg.Pipeline.RedactSensitiveFields),
	)

	retryPolicy := store.RetryPolicy{
		MaxRetries: a.cfg.Task.MaxRetries,
		BaseDelay:  a.cfg.Task.RetryBaseDelay.Milliseconds(),
	}

	taskOpts := []task.Option{
		task.WithEmbedModel(embedModel),
		task.WithRetryPolicy(retryPolicy),
	}
	if a.cfg.Task.Concurrency > 0 {
		taskOpts = append(taskOpts, task.WithConcurrency(a.cfg.Task.Concurrency))
	}
	if a.cfg.Task.SoftTimeLimit > 0 {
		taskOpts = append(taskOpts, task.WithSoftTimeLimit(a.cfg.Task.SoftTimeLimit))
	}
	if a.cfg.Task.HardTimeLimit > 0 {
		taskOpts = append(taskOpts, task.WithHardTimeLimit(a.cfg.Task.HardTimeLimit))
	}

	a.runtime = task.New(a.broker, a.records, a.extractor, a.judge, a.reconciler, a.pre, taskOpts...)
}

// The judgment/retrieval/pipeline option setters below skip applying a
// zero-value config field so that a missing YAML entry falls back to the
// component's own documented default rather than zeroing it out.

func withPositiveNeighborCount(n int) judgment.Option {
	return func(e *judgment.Engine) {
		if n > 0 {
			judgment.WithNeighborCount(n)(e)
		}
	}
}

func withPositiveScoreFloor(f float64) judgment.Option {
	return func(e *judgment.Engine) {
		if f > 0 {
			judgment.WithScoreFloor(f)(e)
		}
	}
}

func withPositiveMaxGraphEntities(n int) retrieval.Option {
	return func(c *retrieval.Composer) {
		if n > 0 {
			retrieval.WithMaxGraphEntities(n)(c)
		}
	}
}

func withPositiveMaxRelatedMemories(n int) retrieval.Option {
	return func(c *retrieval.Composer) {
		if n > 0 {
			retrieval.WithMaxRelatedMemories(n)(c)
		}
	}
}

func withPositiveDefaultLimit(n int) retrieval.Option {
	return func(c *retrieval.Composer) {
		if n > 0 {
			retrieval.WithDefaultLimit(n)(c)
		}
	}
}

func withPositiveSummarizeThreshold(n int) pipeline.Option {
	return func(e *pipeline.Engine) {
		if n > 0 {
			pipeline.WithSummarizeThreshold(n)(e)
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Runtime returns the tiered task runtime that ingest handlers enqueue work
// onto and that Run drains.
func (a *App) Runtime() *task.Runtime { return a.runtime }

// Composer returns the retrieval composer that query handlers use.
func (a *App) Composer() *retrieval.Composer { return a.composer }

// Records returns the relational record store, used directly by handlers
// that read memories/facts/audits without going through the task runtime.
func (a *App) Records() store.RecordStore { return a.records }

// Vector returns the vector index store.
func (a *App) Vector() store.VectorStore { return a.vector }

// Graph returns the graph store.
func (a *App) Graph() store.GraphStore { return a.graph }

// Gateway returns the model gateway.
func (a *App) Gateway() store.ModelGateway { return a.gateway }

// Reconciler returns the reconciliation executor, used directly by the
// synchronous delete-by-id seam, which bypasses the task runtime.
func (a *App) Reconciler() *reconcile.Executor { return a.reconciler }

// Ping checks connectivity to the backing Postgres instance. Returns nil
// without checking anything when stores were injected (tests, or a
// deployment backed by something other than the bundled Postgres store).
func (a *App) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the task-runtime worker pool and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running", "concurrency", a.cfg.Task.Concurrency)
	return a.runtime.Run(ctx, "worker")
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in the order their closers were
// registered. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

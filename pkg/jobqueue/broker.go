// Package jobqueue is an in-process, channel-backed implementation of
// [store.JobBroker]. It gives the task runtime a durable-enough queue to
// dequeue from in a single-process deployment and in tests, without
// depending on an external broker.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucidgraph/memengine/pkg/store"
)

var _ store.JobBroker = (*Broker)(nil)

// Broker routes tasks through one buffered channel per queue name, with
// retry scheduling driven by [time.AfterFunc] rather than broker-side
// polling. Queues are created lazily on first use by either Enqueue or
// Dequeue, so a worker may start subscribing before any producer exists.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]chan string
	tasks      map[string]*taskEntry
	queueDepth int
}

type taskEntry struct {
	mu       sync.Mutex
	queue    string
	payload  []byte
	policy   store.RetryPolicy
	attempts int
	status   store.TaskStatusKind
	result   string
	errMsg   string
	worker   string
	gen      int // bumped on every dequeue/ack/nack, invalidates stale visibility timers
}

// New returns a Broker whose per-queue channels hold up to queueDepth
// pending task ids before Enqueue blocks. queueDepth <= 0 defaults to 1000.
func New(queueDepth int) *Broker {
	if queueDepth <= 0 {
		queueDepth = 1000
	}
	return &Broker{
		queues:     make(map[string]chan string),
		tasks:      make(map[string]*taskEntry),
		queueDepth: queueDepth,
	}
}

func (b *Broker) queueFor(name string) chan string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan string, b.queueDepth)
		b.queues[name] = ch
	}
	return ch
}

// Enqueue places payload on queue and returns a freshly minted task id.
// It blocks if the queue is at capacity, providing the back-pressure the
// task runtime relies on instead of unbounded broker-side buffering.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload []byte, policy store.RetryPolicy) (string, error) {
	id := uuid.NewString()
	e := &taskEntry{queue: queue, payload: payload, policy: policy, status: store.TaskPending}

	b.mu.Lock()
	b.tasks[id] = e
	b.mu.Unlock()

	ch := b.queueFor(queue)
	select {
	case ch <- id:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Dequeue blocks until a task is available on queue or ctx is done. The
// returned task becomes invisible to other Dequeue callers until Ack, Nack,
// or visibilityTimeout elapses, whichever comes first.
func (b *Broker) Dequeue(ctx context.Context, queue string, workerID string, visibilityTimeout int64) (string, []byte, error) {
	ch := b.queueFor(queue)
	select {
	case id := <-ch:
		b.mu.Lock()
		e, ok := b.tasks[id]
		b.mu.Unlock()
		if !ok {
			return "", nil, fmt.Errorf("jobqueue: dequeued unknown task %s: %w", id, store.ErrNotFound)
		}

		e.mu.Lock()
		e.status = store.TaskStarted
		e.worker = workerID
		e.attempts++
		e.gen++
		gen := e.gen
		payload := e.payload
		e.mu.Unlock()

		if visibilityTimeout > 0 {
			go b.expireVisibility(queue, id, gen, time.Duration(visibilityTimeout)*time.Millisecond)
		}
		return id, payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// expireVisibility requeues a started task whose visibility timeout elapsed
// without an Ack or Nack. It is a no-op if the task moved on (acked, nacked,
// or redelivered again) since this timer was armed.
func (b *Broker) expireVisibility(queue, id string, gen int, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C

	b.mu.Lock()
	e, ok := b.tasks[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.status != store.TaskStarted {
		e.mu.Unlock()
		return
	}
	e.status = store.TaskRetry
	e.errMsg = "visibility timeout expired"
	e.mu.Unlock()

	b.requeue(queue, id)
}

// Ack marks taskID as successfully completed.
func (b *Broker) Ack(ctx context.Context, taskID string) error {
	e, err := b.entry(taskID, "ack")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.status = store.TaskSuccess
	e.gen++
	e.mu.Unlock()
	return nil
}

// Resolve attaches a result payload to a successfully acked task, for
// callers that want the status seam to surface something beyond SUCCESS.
func (b *Broker) Resolve(taskID, result string) error {
	e, err := b.entry(taskID, "resolve")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.result = result
	e.mu.Unlock()
	return nil
}

// Nack returns taskID to the queue after backoff milliseconds, unless the
// task has exhausted its retry policy or backoff is negative, in which case
// it is dead-lettered as TaskFailure and not redelivered. A negative backoff
// signals a non-retryable failure (see [taskerr]'s Fatal classification):
// the caller has already decided retrying is pointless, so Nack skips the
// retry-policy check and dead-letters immediately.
func (b *Broker) Nack(ctx context.Context, taskID string, reason string, backoff int64) error {
	e, err := b.entry(taskID, "nack")
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.gen++
	e.errMsg = reason
	if backoff < 0 || e.attempts > e.policy.MaxRetries {
		e.status = store.TaskFailure
		e.mu.Unlock()
		return nil
	}
	e.status = store.TaskRetry
	queue := e.queue
	e.mu.Unlock()

	if backoff == 0 {
		b.requeue(queue, taskID)
	} else {
		time.AfterFunc(time.Duration(backoff)*time.Millisecond, func() { b.requeue(queue, taskID) })
	}
	return nil
}

// Status returns the current state of taskID.
func (b *Broker) Status(ctx context.Context, taskID string) (store.TaskStatus, error) {
	e, err := b.entry(taskID, "status")
	if err != nil {
		return store.TaskStatus{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.TaskStatus{Status: e.status, Result: e.result, Error: e.errMsg}, nil
}

func (b *Broker) entry(taskID, op string) (*taskEntry, error) {
	b.mu.Lock()
	e, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("jobqueue: %s unknown task %s: %w", op, taskID, store.ErrNotFound)
	}
	return e, nil
}

func (b *Broker) requeue(queue, id string) {
	ch := b.queueFor(queue)
	select {
	case ch <- id:
	default:
		go func() { ch <- id }()
	}
}

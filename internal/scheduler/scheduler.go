// Package scheduler coordinates a FetchedController's response to a commit:
// it pins a consistent read view synchronously on the writer context (spec.md
// §4.4), fetches rows asynchronously off that context, and guarantees the
// consumer observes results in commit order even when a later commit's
// fetch happens to finish first.
package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// jobIDKey is the context key Schedule stores each job's correlation id
// under, so openSnapshot and fetch closures (and anything they call, e.g. a
// caller's own error log) can report which commit a given fetch belongs to
// without threading an extra parameter everywhere. deliver receives no
// context and so cannot read it.
type jobIDKey struct{}

// JobID returns the id Schedule generated for the in-flight openSnapshot/
// fetch pair running on ctx, if any.
func JobID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(jobIDKey{}).(uuid.UUID)
	return id, ok
}

// NotificationQueue runs enqueued jobs one at a time, in the order they were
// enqueued, on a context independent of the writer that enqueues them.
type NotificationQueue interface {
	Enqueue(job func())
	Close()
}

// SerialQueue is the default NotificationQueue: a single worker goroutine
// draining a FIFO channel.
type SerialQueue struct {
	jobs chan func()
	done chan struct{}
}

// NewSerialQueue starts a worker goroutine and returns the queue that feeds
// it. Callers should Close it once no more jobs will be enqueued.
func NewSerialQueue() *SerialQueue {
	return NewSerialQueueWithCapacity(64)
}

// NewSerialQueueWithCapacity is NewSerialQueue with a caller-chosen channel
// buffer depth (config.Config.NotificationQueueSize), letting a consumer
// tracking many controllers size the buffer to its expected commit rate.
func NewSerialQueueWithCapacity(capacity int) *SerialQueue {
	q := &SerialQueue{jobs: make(chan func(), capacity), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	for job := range q.jobs {
		job()
	}
	close(q.done)
}

// Enqueue appends job to the tail of the queue. Enqueue must not be called
// after Close.
func (q *SerialQueue) Enqueue(job func()) {
	q.jobs <- job
}

// Close stops accepting new jobs and waits for every already-enqueued job
// to finish running.
func (q *SerialQueue) Close() {
	close(q.jobs)
	<-q.done
}

// Scheduler ties a writer-context snapshot open to an off-context fetch and
// an on-queue delivery. Snap is whatever opaque read-view handle the
// concrete Database implementation produces (e.g. a pinned *sql.Conn);
// Result is whatever the fetch step produces for a FetchedController
// (typically a resultset.ResultSet[Element] or a slice of differ.Event).
type Scheduler[Snap, Result any] struct {
	queue NotificationQueue
}

// New builds a Scheduler backed by queue. A nil queue gets a fresh
// SerialQueue.
func New[Snap, Result any](queue NotificationQueue) *Scheduler[Snap, Result] {
	if queue == nil {
		queue = NewSerialQueue()
	}
	return &Scheduler[Snap, Result]{queue: queue}
}

// Schedule must be called synchronously on the writer context — in
// practice, from inside TransactionObserver.DidCommit, before
// Database.Write releases its writer lock. openSnapshot runs immediately,
// pinning the read view at exactly this commit. fetch then runs on its own
// goroutine against that pinned view, decoupling potentially slow row
// iteration from the writer. deliver always runs on the notification
// queue, and is guaranteed to run in the same relative order across calls
// to Schedule as those calls themselves occurred, regardless of how long
// each individual fetch takes.
func (s *Scheduler[Snap, Result]) Schedule(
	ctx context.Context,
	openSnapshot func(context.Context) (Snap, error),
	fetch func(context.Context, Snap) (Result, error),
	deliver func(Result, error),
) {
	ctx = context.WithValue(ctx, jobIDKey{}, uuid.New())

	snap, err := openSnapshot(ctx)
	if err != nil {
		s.queue.Enqueue(func() {
			var zero Result
			deliver(zero, err)
		})
		return
	}

	done := make(chan struct{})
	var result Result
	var fetchErr error
	go func() {
		result, fetchErr = fetch(ctx, snap)
		close(done)
	}()

	s.queue.Enqueue(func() {
		<-done
		deliver(result, fetchErr)
	})
}

// Close releases the underlying queue's worker goroutine.
func (s *Scheduler[Snap, Result]) Close() {
	s.queue.Close()
}

// Package runqueue decouples trigger firing from execution with a bounded
// FIFO queue drained by a fixed worker pool. Admission never blocks the
// caller: when the queue is full the request is rejected immediately.
package runqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
)

// ErrQueueFull is returned when admission would exceed the queue bound.
var ErrQueueFull = errors.New("run queue is full")

// Handler executes one admitted run request.
type Handler func(ctx context.Context, req *models.RunRequest)

// Journal durably mirrors admissions so accepted-but-unstarted runs survive
// a restart. RunEnqueued must set req.RecordID to the mirror row it created;
// RunDiscarded removes that row when admission is rolled back.
type Journal interface {
	RunEnqueued(ctx context.Context, req *models.RunRequest) error
	RunDiscarded(ctx context.Context, req *models.RunRequest) error
}

// Queue is the bounded admission queue plus its worker pool.
type Queue struct {
	requests chan *models.RunRequest
	handler  Handler
	journal  Journal
	workers  int

	active   atomic.Int64
	rejected atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New returns a queue with the given capacity drained by workers goroutines.
// A nil journal disables the durable admission mirror.
func New(capacity, workers int, journal Journal, handler Handler) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		requests: make(chan *models.RunRequest, capacity),
		handler:  handler,
		journal:  journal,
		workers:  workers,
		done:     make(chan struct{}),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
		logger.Info(ctx, "Run queue started",
			tag.Count(q.workers), tag.Name("workers"))
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case req := <-q.requests:
			q.active.Add(1)
			q.handler(ctx, req)
			q.active.Add(-1)
		}
	}
}

// Enqueue admits a run request without blocking. The request gets a task id,
// an admission timestamp and a journal mirror row; a full queue yields
// ErrQueueFull. Requests that already carry a RecordID are replays of an
// earlier admission and are not journaled again.
func (q *Queue) Enqueue(ctx context.Context, req *models.RunRequest) error {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}

	if q.journal != nil && req.RecordID == 0 {
		if err := q.journal.RunEnqueued(ctx, req); err != nil {
			return err
		}
	}

	select {
	case q.requests <- req:
		return nil
	default:
		q.rejected.Add(1)
		if q.journal != nil && req.RecordID != 0 {
			if err := q.journal.RunDiscarded(ctx, req); err != nil {
				logger.Error(ctx, "Failed to roll back admission mirror",
					tag.RecordID(req.RecordID), tag.Error(err))
			}
		}
		return ErrQueueFull
	}
}

// Stop shuts the pool down and waits for in-flight runs to hand back.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

// Snapshot is the queue's observable state for the status API.
type Snapshot struct {
	Pending  int   `json:"pending"`
	Capacity int   `json:"capacity"`
	Workers  int   `json:"workers"`
	Active   int64 `json:"active"`
	Rejected int64 `json:"rejected_total"`
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() Snapshot {
	return Snapshot{
		Pending:  len(q.requests),
		Capacity: cap(q.requests),
		Workers:  q.workers,
		Active:   q.active.Load(),
		Rejected: q.rejected.Load(),
	}
}

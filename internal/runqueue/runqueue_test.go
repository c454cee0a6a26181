package runqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysched/pysched/internal/models"
)

func TestEnqueueAssignsTaskID(t *testing.T) {
	q := New(4, 1, nil, func(context.Context, *models.RunRequest) {})

	req := &models.RunRequest{ScriptID: 1}
	require.NoError(t, q.Enqueue(context.Background(), req))
	assert.NotEmpty(t, req.TaskID)
	assert.False(t, req.EnqueuedAt.IsZero())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	q := New(2, 1, nil, func(context.Context, *models.RunRequest) {})
	// Workers not started: nothing drains the queue.

	require.NoError(t, q.Enqueue(ctx, &models.RunRequest{ScriptID: 1}))
	require.NoError(t, q.Enqueue(ctx, &models.RunRequest{ScriptID: 2}))

	err := q.Enqueue(ctx, &models.RunRequest{ScriptID: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.EqualValues(t, 1, q.Stats().Rejected)
	assert.Equal(t, 2, q.Stats().Pending)
}

// recordingJournal mirrors admissions in memory the way the store does with
// pending execution records.
type recordingJournal struct {
	mu        sync.Mutex
	nextID    int64
	enqueued  []int64
	discarded []int64
	failNext  error
}

func (j *recordingJournal) RunEnqueued(_ context.Context, req *models.RunRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failNext != nil {
		err := j.failNext
		j.failNext = nil
		return err
	}
	j.nextID++
	req.RecordID = j.nextID
	j.enqueued = append(j.enqueued, req.RecordID)
	return nil
}

func (j *recordingJournal) RunDiscarded(_ context.Context, req *models.RunRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.discarded = append(j.discarded, req.RecordID)
	return nil
}

func TestEnqueueMirrorsThroughJournal(t *testing.T) {
	ctx := context.Background()
	j := &recordingJournal{}
	q := New(1, 1, j, func(context.Context, *models.RunRequest) {})

	first := &models.RunRequest{ScriptID: 1}
	require.NoError(t, q.Enqueue(ctx, first))
	assert.EqualValues(t, 1, first.RecordID)

	// The second admission is journaled, then rolled back when the full
	// queue rejects it.
	second := &models.RunRequest{ScriptID: 2}
	err := q.Enqueue(ctx, second)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []int64{1, 2}, j.enqueued)
	assert.Equal(t, []int64{2}, j.discarded)
}

func TestEnqueueFailsWhenJournalFails(t *testing.T) {
	j := &recordingJournal{failNext: assert.AnError}
	q := New(4, 1, j, func(context.Context, *models.RunRequest) {})

	err := q.Enqueue(context.Background(), &models.RunRequest{ScriptID: 1})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestEnqueueSkipsJournalForReplays(t *testing.T) {
	j := &recordingJournal{}
	q := New(4, 1, j, func(context.Context, *models.RunRequest) {})

	// A replayed request already carries its mirror row.
	req := &models.RunRequest{ScriptID: 1, RecordID: 7}
	require.NoError(t, q.Enqueue(context.Background(), req))
	assert.EqualValues(t, 7, req.RecordID)
	assert.Empty(t, j.enqueued)
}

func TestWorkersDrainInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int64
	)
	done := make(chan struct{}, 3)
	q := New(8, 1, nil, func(_ context.Context, req *models.RunRequest) {
		mu.Lock()
		seen = append(seen, req.ScriptID)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, &models.RunRequest{ScriptID: i}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not drain the queue")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestConcurrencyBoundedByWorkerCount(t *testing.T) {
	var (
		current atomic.Int64
		peak    atomic.Int64
	)
	release := make(chan struct{})
	q := New(16, 2, nil, func(context.Context, *models.RunRequest) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(ctx, &models.RunRequest{ScriptID: int64(i)}))
	}

	assert.Eventually(t, func() bool { return current.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
	close(release)
	q.Stop()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestStopWaitsForWorkers(t *testing.T) {
	started := make(chan struct{})
	finished := atomic.Bool{}
	q := New(4, 1, nil, func(context.Context, *models.RunRequest) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.NoError(t, q.Enqueue(ctx, &models.RunRequest{ScriptID: 1}))

	<-started
	q.Stop()
	assert.True(t, finished.Load())
}

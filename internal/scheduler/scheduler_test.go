package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/runqueue"
	"github.com/pysched/pysched/internal/store"
)

type captureQueue struct {
	mu       sync.Mutex
	requests []*models.RunRequest
}

func (q *captureQueue) Enqueue(_ context.Context, req *models.RunRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *captureQueue) all() []*models.RunRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.RunRequest(nil), q.requests...)
}

type fullQueue struct{}

func (fullQueue) Enqueue(context.Context, *models.RunRequest) error {
	return runqueue.ErrQueueFull
}

type alwaysRunning bool

func (a alwaysRunning) Running(int64) bool { return bool(a) }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createScriptWithTrigger(t *testing.T, st *store.Store, kind models.TriggerKind, config models.TriggerConfig) (*models.Script, *models.Trigger) {
	t.Helper()
	script := &models.Script{
		Name: "Job " + string(kind), Slug: "job-" + string(kind),
		Content: "pass", PythonVersion: "3.12", Enabled: true,
	}
	require.NoError(t, st.CreateScript(context.Background(), script))
	trigger := &models.Trigger{ScriptID: script.ID, Kind: kind, Config: config, Enabled: true}
	require.NoError(t, st.CreateTrigger(context.Background(), trigger))
	return script, trigger
}

func TestNextFireCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 17, 30, 0, time.UTC)
	trigger := &models.Trigger{
		Kind:   models.TriggerCron,
		Config: models.TriggerConfig{Expression: "*/15 * * * *"},
	}
	next, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC), next.UTC())
}

func TestNextFireCronHonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:00 in New York is 06:00 or 07:00 UTC depending on DST.
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	trigger := &models.Trigger{
		Kind:   models.TriggerCron,
		Config: models.TriggerConfig{Expression: "0 2 * * *", Timezone: "America/New_York"},
	}
	next, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, 2, next.In(loc).Hour())
	assert.Equal(t, time.Date(2026, 6, 2, 2, 0, 0, 0, loc).UTC(), next.UTC())
}

func TestNextFireInterval(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	trigger := &models.Trigger{
		Kind:   models.TriggerInterval,
		Config: models.TriggerConfig{Seconds: 90},
	}

	next, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), next)

	// A last fire in the future (clock skew) anchors the next fire.
	future := now.Add(time.Hour)
	trigger.LastFiredAt = &future
	next, err = NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, future.Add(90*time.Second), next)

	// A stale last fire does not cause replay.
	past := now.Add(-time.Hour)
	trigger.LastFiredAt = &past
	next, err = NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), next)
}

func TestNextFireManualNotSchedulable(t *testing.T) {
	_, err := NextFire(&models.Trigger{Kind: models.TriggerManual}, time.Now())
	assert.Error(t, err)
}

func TestPreviewCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	runs, err := PreviewCron("0 * * * *", "UTC", 3, now)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), runs[0].UTC())
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), runs[2].UTC())

	_, err = PreviewCron("not a cron", "", 3, now)
	assert.Error(t, err)

	_, err = PreviewCron("0 * * * *", "Nowhere/Invalid", 3, now)
	assert.Error(t, err)
}

func TestRejectsSixFieldExpressions(t *testing.T) {
	_, err := PreviewCron("0 0 * * * *", "", 1, time.Now())
	assert.Error(t, err)
}

func TestStartFiresStartupTriggers(t *testing.T) {
	st := openTestStore(t)
	queue := &captureQueue{}
	bus := eventbus.New(0)
	defer bus.Shutdown()

	script, trigger := createScriptWithTrigger(t, st, models.TriggerStartup, models.TriggerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(st, queue, alwaysRunning(false), bus)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	requests := queue.all()
	require.Len(t, requests, 1)
	assert.Equal(t, script.ID, requests[0].ScriptID)
	assert.Equal(t, models.TriggeredByStartup, requests[0].TriggeredBy)
	require.NotNil(t, requests[0].TriggerID)
	assert.Equal(t, trigger.ID, *requests[0].TriggerID)

	got, err := st.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFiredAt)
}

func TestFireSkipsDisabledScript(t *testing.T) {
	st := openTestStore(t)
	queue := &captureQueue{}
	bus := eventbus.New(0)
	defer bus.Shutdown()

	ctx := context.Background()
	script, trigger := createScriptWithTrigger(t, st, models.TriggerStartup, models.TriggerConfig{})
	script.Enabled = false
	require.NoError(t, st.UpdateScript(ctx, script))

	s := New(st, queue, alwaysRunning(false), bus)
	s.fire(ctx, trigger, models.TriggeredByStartup)
	assert.Empty(t, queue.all())
}

func TestFireReportsOverrun(t *testing.T) {
	st := openTestStore(t)
	queue := &captureQueue{}
	bus := eventbus.New(0)
	defer bus.Shutdown()
	sub := bus.Subscribe(eventbus.TypeFilter(eventbus.EventTriggerOverrun))
	defer sub.Close()

	ctx := context.Background()
	_, trigger := createScriptWithTrigger(t, st, models.TriggerInterval, models.TriggerConfig{Seconds: 60})

	s := New(st, queue, alwaysRunning(true), bus)
	s.fire(ctx, trigger, models.TriggeredBySchedule)

	assert.Empty(t, queue.all())
	evCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, ok := sub.Next(evCtx)
	require.True(t, ok)
	assert.Equal(t, eventbus.EventTriggerOverrun, ev.Type)

	// The fire still stamps times so the cadence advances.
	got, err := st.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFiredAt)
	assert.NotNil(t, got.NextFireAt)
}

func TestFireReportsOverrunWhenQueueFull(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.New(0)
	defer bus.Shutdown()
	sub := bus.Subscribe(eventbus.TypeFilter(eventbus.EventTriggerOverrun))
	defer sub.Close()

	ctx := context.Background()
	_, trigger := createScriptWithTrigger(t, st, models.TriggerInterval, models.TriggerConfig{Seconds: 60})

	s := New(st, fullQueue{}, alwaysRunning(false), bus)
	s.fire(ctx, trigger, models.TriggeredBySchedule)

	evCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, ok := sub.Next(evCtx)
	require.True(t, ok)
	assert.Equal(t, eventbus.EventTriggerOverrun, ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "queue_full", data["reason"])

	// A dropped fire still advances the cadence.
	got, err := st.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFiredAt)
	assert.NotNil(t, got.NextFireAt)
}

func TestLoopDisablesUnparsableTrigger(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.New(0)
	defer bus.Shutdown()
	sub := bus.Subscribe(eventbus.TypeFilter(eventbus.EventTriggerDisabled))
	defer sub.Close()

	ctx := context.Background()
	_, trigger := createScriptWithTrigger(t, st, models.TriggerCron,
		models.TriggerConfig{Expression: "61 * * * *"})

	s := New(st, &captureQueue{}, alwaysRunning(false), bus)
	s.wg.Add(1)
	s.loop(ctx, trigger)

	got, err := st.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	evCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, ok := sub.Next(evCtx)
	require.True(t, ok)
	assert.Equal(t, eventbus.EventTriggerDisabled, ev.Type)
	data := ev.Data.(map[string]any)
	assert.EqualValues(t, trigger.ID, data["trigger_id"])
}

func TestUpcomingSortsBySoonest(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.New(0)
	defer bus.Shutdown()
	ctx := context.Background()

	createScriptWithTrigger(t, st, models.TriggerInterval, models.TriggerConfig{Seconds: 3600})
	scriptB := &models.Script{Name: "B", Slug: "b", Content: "pass", PythonVersion: "3.12", Enabled: true}
	require.NoError(t, st.CreateScript(ctx, scriptB))
	fast := &models.Trigger{ScriptID: scriptB.ID, Kind: models.TriggerInterval, Config: models.TriggerConfig{Seconds: 10}, Enabled: true}
	require.NoError(t, st.CreateTrigger(ctx, fast))

	s := New(st, &captureQueue{}, alwaysRunning(false), bus)
	upcoming, err := s.Upcoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, fast.ID, upcoming[0].ID)
}

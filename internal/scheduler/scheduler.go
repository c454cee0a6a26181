// Package scheduler turns enabled triggers into run requests. Every cron and
// interval trigger owns a timer loop; startup triggers fire once at boot;
// manual triggers are never scheduled. A fire that lands while the script is
// still running is skipped and reported as an overrun.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pysched/pysched/internal/backoff"
	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/runqueue"
	"github.com/pysched/pysched/internal/store"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Enqueuer admits run requests; satisfied by the run queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *models.RunRequest) error
}

// RunChecker reports whether a script is mid-run; satisfied by the engine.
type RunChecker interface {
	Running(scriptID int64) bool
}

// Scheduler drives all time-based triggers.
type Scheduler struct {
	store   *store.Store
	queue   Enqueuer
	running RunChecker
	bus     *eventbus.Bus

	mu    sync.Mutex
	loops map[int64]context.CancelFunc
	wg    sync.WaitGroup
	ctx   context.Context
}

// New returns an idle scheduler; call Start to arm the triggers.
func New(st *store.Store, queue Enqueuer, running RunChecker, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		store:   st,
		queue:   queue,
		running: running,
		bus:     bus,
		loops:   make(map[int64]context.CancelFunc),
	}
}

// Start fires startup triggers once and arms a loop for every enabled cron
// and interval trigger. It returns after arming; loops run until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	triggers, err := s.store.ListEnabledTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	armed := 0
	for _, trigger := range triggers {
		switch trigger.Kind {
		case models.TriggerStartup:
			s.fire(ctx, trigger, models.TriggeredByStartup)
		case models.TriggerCron, models.TriggerInterval:
			s.arm(trigger)
			armed++
		}
	}
	logger.Info(ctx, "Scheduler started", tag.Count(armed), tag.Name("triggers"))
	return nil
}

// Stop tears down all trigger loops and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, cancel := range s.loops {
		cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Reload re-arms one trigger after a catalog mutation: it reads the current
// row and replaces (or removes) the running loop to match.
func (s *Scheduler) Reload(ctx context.Context, triggerID int64) {
	s.disarm(triggerID)

	trigger, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error(ctx, "Failed to reload trigger", tag.TriggerID(triggerID), tag.Error(err))
		}
		return
	}
	if !trigger.Enabled {
		return
	}
	script, err := s.store.GetScript(ctx, trigger.ScriptID)
	if err != nil || !script.Enabled {
		return
	}
	if trigger.Kind == models.TriggerCron || trigger.Kind == models.TriggerInterval {
		s.arm(trigger)
	}
}

// ReloadScript re-arms every trigger of a script, after the script itself is
// enabled, disabled or deleted.
func (s *Scheduler) ReloadScript(ctx context.Context, scriptID int64) {
	triggers, err := s.store.ListTriggers(ctx, &scriptID)
	if err != nil {
		logger.Error(ctx, "Failed to reload script triggers", tag.ScriptID(scriptID), tag.Error(err))
		return
	}
	for _, trigger := range triggers {
		s.Reload(ctx, trigger.ID)
	}
}

func (s *Scheduler) arm(trigger *models.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	if cancel, ok := s.loops[trigger.ID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(s.ctx)
	s.loops[trigger.ID] = cancel
	s.wg.Add(1)
	go s.loop(loopCtx, trigger)
}

func (s *Scheduler) disarm(triggerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.loops[triggerID]; ok {
		cancel()
		delete(s.loops, triggerID)
	}
}

// loop sleeps until each successive fire time. Missed fires (downtime,
// clock jumps) are not replayed: the next fire is always computed from the
// current time.
func (s *Scheduler) loop(ctx context.Context, trigger *models.Trigger) {
	defer s.wg.Done()
	for {
		next, err := NextFire(trigger, time.Now())
		if err != nil {
			s.disableBroken(ctx, trigger, err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Re-read so a concurrent disable or edit wins over a stale timer.
		// A briefly locked store must not silently kill the loop, so busy
		// reads are retried.
		var fresh *models.Trigger
		err = backoff.Retry(ctx, func() error {
			var rerr error
			fresh, rerr = s.store.GetTrigger(ctx, trigger.ID)
			return rerr
		}, rereadPolicy(), func(err error) bool { return errors.Is(err, store.ErrBusy) })
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "Failed to re-read trigger, disarming",
					tag.TriggerID(trigger.ID), tag.Error(err))
			}
			return
		}
		if !fresh.Enabled {
			return
		}
		trigger = fresh
		s.fire(ctx, trigger, models.TriggeredBySchedule)
	}
}

func rereadPolicy() *backoff.ExponentialBackoffPolicy {
	policy := backoff.NewExponentialBackoffPolicy(50 * time.Millisecond)
	policy.MaxRetries = 5
	return policy
}

// disableBroken persists enabled=false for a trigger whose schedule no
// longer parses, so it is not silently re-armed on the next boot.
func (s *Scheduler) disableBroken(ctx context.Context, trigger *models.Trigger, cause error) {
	logger.Error(ctx, "Trigger has an invalid schedule, disabling it",
		tag.TriggerID(trigger.ID), tag.Error(cause))
	if err := s.store.SetTriggerEnabled(ctx, trigger.ID, false); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		logger.Error(ctx, "Failed to disable broken trigger",
			tag.TriggerID(trigger.ID), tag.Error(err))
	}
	s.bus.Publish(eventbus.EventTriggerDisabled, map[string]any{
		"trigger_id": trigger.ID,
		"script_id":  trigger.ScriptID,
		"reason":     cause.Error(),
	})
}

// fire admits one run request for the trigger and stamps its fire times.
func (s *Scheduler) fire(ctx context.Context, trigger *models.Trigger, by models.TriggeredBy) {
	script, err := s.store.GetScript(ctx, trigger.ScriptID)
	if err != nil {
		logger.Error(ctx, "Trigger fired for a missing script",
			tag.TriggerID(trigger.ID), tag.Error(err))
		return
	}
	if !script.Enabled {
		return
	}

	now := time.Now().UTC()

	if s.running != nil && s.running.Running(script.ID) {
		logger.Warn(ctx, "Skipping fire, script still running from a previous fire",
			tag.TriggerID(trigger.ID), tag.Script(script.Slug))
		s.bus.Publish(eventbus.EventTriggerOverrun, map[string]any{
			"trigger_id": trigger.ID,
			"script_id":  script.ID,
			"slug":       script.Slug,
			"reason":     "already_running",
		})
		s.stampFireTimes(ctx, trigger, now)
		return
	}

	triggerID := trigger.ID
	err = s.queue.Enqueue(ctx, &models.RunRequest{
		ScriptID:    script.ID,
		TriggerID:   &triggerID,
		TriggeredBy: by,
	})
	if err != nil {
		if errors.Is(err, runqueue.ErrQueueFull) {
			logger.Warn(ctx, "Run queue full, dropping fire",
				tag.TriggerID(trigger.ID), tag.Script(script.Slug))
			s.bus.Publish(eventbus.EventTriggerOverrun, map[string]any{
				"trigger_id": trigger.ID,
				"script_id":  script.ID,
				"slug":       script.Slug,
				"reason":     "queue_full",
			})
		} else {
			logger.Error(ctx, "Failed to enqueue run",
				tag.TriggerID(trigger.ID), tag.Error(err))
		}
	}
	s.stampFireTimes(ctx, trigger, now)
}

func (s *Scheduler) stampFireTimes(ctx context.Context, trigger *models.Trigger, firedAt time.Time) {
	trigger.LastFiredAt = &firedAt
	var nextPtr *time.Time
	if next, err := NextFire(trigger, firedAt); err == nil {
		nextPtr = &next
	}
	if err := s.store.UpdateTriggerFireTimes(ctx, trigger.ID, firedAt, nextPtr); err != nil {
		logger.Error(ctx, "Failed to persist fire times",
			tag.TriggerID(trigger.ID), tag.Error(err))
	}
}

// NextFire computes a trigger's next fire time after now. Manual and startup
// triggers have none.
func NextFire(trigger *models.Trigger, now time.Time) (time.Time, error) {
	switch trigger.Kind {
	case models.TriggerCron:
		schedule, loc, err := parseCron(trigger.Config.Expression, trigger.Config.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(now.In(loc)), nil
	case models.TriggerInterval:
		if trigger.Config.Seconds < 1 {
			return time.Time{}, fmt.Errorf("interval trigger %d has no period", trigger.ID)
		}
		base := now
		if trigger.LastFiredAt != nil && trigger.LastFiredAt.After(base) {
			base = *trigger.LastFiredAt
		}
		return base.Add(time.Duration(trigger.Config.Seconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("trigger kind %q is not schedulable", trigger.Kind)
	}
}

func parseCron(expression, timezone string) (cron.Schedule, *time.Location, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return schedule, loc, nil
}

// PreviewCron validates an expression and returns its next count fire times
// in the given timezone.
func PreviewCron(expression, timezone string, count int, now time.Time) ([]time.Time, error) {
	schedule, loc, err := parseCron(expression, timezone)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 5
	}
	runs := make([]time.Time, 0, count)
	t := now.In(loc)
	for i := 0; i < count; i++ {
		t = schedule.Next(t)
		runs = append(runs, t)
	}
	return runs, nil
}

// Upcoming lists armed triggers with their computed next fire time, soonest
// first, for the status API.
func (s *Scheduler) Upcoming(ctx context.Context, limit int) ([]*models.Trigger, error) {
	triggers, err := s.store.ListEnabledTriggers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var upcoming []*models.Trigger
	for _, trigger := range triggers {
		next, err := NextFire(trigger, now)
		if err != nil {
			continue
		}
		trigger.NextFireAt = &next
		upcoming = append(upcoming, trigger)
	}
	sort.Slice(upcoming, func(i, j int) bool {
		return upcoming[i].NextFireAt.Before(*upcoming[j].NextFireAt)
	})
	if limit > 0 && len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}
	return upcoming, nil
}

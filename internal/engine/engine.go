// Package engine supervises script execution: one subprocess per run in its
// own process group, captured stdio, a wall-clock timeout with graceful
// termination, and a durable execution record for every run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pysched/pysched/internal/envmgr"
	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/store"
)

// ErrAlreadyRunning is returned when a script already has an active run.
var ErrAlreadyRunning = errors.New("script is already running")

// Notifier delivers run-completion notifications. A nil notifier disables
// them.
type Notifier interface {
	NotifyRunFinished(ctx context.Context, script *models.Script, record *models.ExecutionRecord)
}

// EnvProvider prepares a script's execution environment and resolves its
// paths; satisfied by the environment manager.
type EnvProvider interface {
	Ensure(ctx context.Context, script *models.Script) error
	Dir(key string) string
	ScriptPath(key string) string
	PythonPath(key string) string
}

// Options tune the engine.
type Options struct {
	// DefaultTimeout bounds runs whose script has no explicit timeout.
	DefaultTimeout time.Duration
	// TerminationGrace is the window between SIGTERM and SIGKILL.
	TerminationGrace time.Duration
	// OutputLimitBytes caps each captured stdio stream.
	OutputLimitBytes int
	// SampleInterval spaces resource usage samples.
	SampleInterval time.Duration
}

func (o *Options) fill() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = 10 * time.Second
	}
	if o.OutputLimitBytes <= 0 {
		o.OutputLimitBytes = 256 * 1024
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = time.Second
	}
}

// Engine executes admitted run requests.
type Engine struct {
	store    *store.Store
	envs     EnvProvider
	bus      *eventbus.Bus
	notifier Notifier
	opts     Options

	mu     sync.Mutex
	active map[int64]*activeRun
}

type activeRun struct {
	recordID int64
	pid      int
	cancel   context.CancelFunc
}

// New returns an engine. notifier may be nil.
func New(st *store.Store, envs EnvProvider, bus *eventbus.Bus, notifier Notifier, opts Options) *Engine {
	opts.fill()
	return &Engine{
		store:    st,
		envs:     envs,
		bus:      bus,
		notifier: notifier,
		opts:     opts,
		active:   make(map[int64]*activeRun),
	}
}

// Running reports whether the script has an active run.
func (e *Engine) Running(scriptID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[scriptID]
	return ok
}

// ActiveCount returns the number of in-flight runs.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Cancel requests termination of the script's active run. The run still
// finalizes through its normal path and reports failure.
func (e *Engine) Cancel(scriptID int64) error {
	e.mu.Lock()
	run, ok := e.active[scriptID]
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	run.cancel()
	return nil
}

// Execute runs one admitted request to completion and returns its record.
// At most one run per script is admitted; concurrent attempts get
// ErrAlreadyRunning.
func (e *Engine) Execute(ctx context.Context, req *models.RunRequest) (*models.ExecutionRecord, error) {
	script, err := e.store.GetScript(ctx, req.ScriptID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if _, exists := e.active[script.ID]; exists {
		e.mu.Unlock()
		// The admission will never become a run; drop its pending mirror.
		if req.RecordID != 0 {
			if err := e.store.DeleteRecord(ctx, req.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn(ctx, "Failed to drop pending execution record",
					tag.RecordID(req.RecordID), tag.Error(err))
			}
		}
		return nil, ErrAlreadyRunning
	}
	run := &activeRun{cancel: cancel}
	e.active[script.ID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, script.ID)
		e.mu.Unlock()
	}()

	record := &models.ExecutionRecord{
		ScriptID:    script.ID,
		TriggerID:   req.TriggerID,
		StartedAt:   time.Now().UTC(),
		Status:      models.StatusRunning,
		TriggeredBy: req.TriggeredBy,
	}
	if req.RecordID != 0 {
		record.ID = req.RecordID
		if err := e.store.MarkRecordRunning(ctx, record.ID, record.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to claim execution record: %w", err)
		}
	} else if err := e.store.CreateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}
	run.recordID = record.ID

	logger.Info(ctx, "Run started",
		tag.Script(script.Slug), tag.RecordID(record.ID),
		tag.TaskID(req.TaskID), tag.Kind(string(req.TriggeredBy)))
	e.bus.Publish(eventbus.EventRunStarted, map[string]any{
		"execution_id": record.ID,
		"script_id":    script.ID,
		"slug":         script.Slug,
		"triggered_by": req.TriggeredBy,
	})

	final := e.run(runCtx, script, record, run)

	if err := e.store.FinalizeRecord(ctx, record.ID, final); err != nil {
		// The boot sweep may have claimed the record during a shutdown race.
		if !errors.Is(err, store.ErrFinalized) {
			logger.Error(ctx, "Failed to finalize execution record",
				tag.RecordID(record.ID), tag.Error(err))
		}
	}
	if err := e.store.BumpRunCounters(ctx, script.ID, final.Status == models.StatusSuccess, final.FinishedAt); err != nil {
		logger.Error(ctx, "Failed to update run counters",
			tag.ScriptID(script.ID), tag.Error(err))
	}

	record.Status = final.Status
	record.FinishedAt = &final.FinishedAt
	record.DurationMS = final.DurationMS
	record.ExitCode = final.ExitCode
	record.Stdout = final.Stdout
	record.Stderr = final.Stderr
	record.MaxMemoryMB = final.MaxMemoryMB
	record.MaxCPUPercent = final.MaxCPUPercent

	logger.Info(ctx, "Run finished",
		tag.Script(script.Slug), tag.RecordID(record.ID),
		tag.Status(string(final.Status)), tag.Duration(time.Duration(final.DurationMS)*time.Millisecond))
	e.bus.Publish(eventbus.EventRunFinished, map[string]any{
		"execution_id": record.ID,
		"script_id":    script.ID,
		"slug":         script.Slug,
		"status":       final.Status,
		"duration_ms":  final.DurationMS,
	})

	if e.notifier != nil && script.EmailOnCompletion {
		e.notifier.NotifyRunFinished(ctx, script, record)
	}
	return record, nil
}

// run prepares the environment, supervises the subprocess and produces the
// terminal outcome. It never returns a non-terminal status.
func (e *Engine) run(ctx context.Context, script *models.Script, record *models.ExecutionRecord, active *activeRun) store.RunFinal {
	started := record.StartedAt

	fail := func(stderr string) store.RunFinal {
		now := time.Now().UTC()
		return store.RunFinal{
			Status:     models.StatusFailed,
			FinishedAt: now,
			DurationMS: now.Sub(started).Milliseconds(),
			Stderr:     stderr,
		}
	}

	if err := e.envs.Ensure(ctx, script); err != nil {
		logger.Error(ctx, "Environment preparation failed",
			tag.Script(script.Slug), tag.Error(err))
		return fail("environment preparation failed: " + err.Error())
	}

	stdout := newOutputCapture(e.opts.OutputLimitBytes)
	stderr := newOutputCapture(e.opts.OutputLimitBytes)

	key := envmgr.ScriptKey(script.FolderID, script.Slug)
	cmd := exec.Command(e.envs.PythonPath(key), "-u", e.envs.ScriptPath(key))
	cmd.Dir = e.envs.Dir(key)
	cmd.Env = buildEnv(script.EnvVars)
	// Own process group so the whole tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fail("failed to open stdout pipe: " + err.Error())
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fail("failed to open stderr pipe: " + err.Error())
	}

	if err := cmd.Start(); err != nil {
		return fail("failed to start interpreter: " + err.Error())
	}
	pid := cmd.Process.Pid
	active.pid = pid

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		drainStream(stdoutPipe, stdout, e.bus, eventbus.EventRunStdout, record.ID)
	}()
	go func() {
		defer readers.Done()
		drainStream(stderrPipe, stderr, e.bus, eventbus.EventRunStderr, record.ID)
	}()

	sampler := newResourceSampler(pid, e.opts.SampleInterval)
	sampler.start()

	timeout := script.Timeout(e.opts.DefaultTimeout)
	waitDone := make(chan error, 1)
	go func() {
		readers.Wait()
		waitDone <- cmd.Wait()
	}()

	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-waitDone:
	case <-time.After(timeout):
		timedOut = true
		logger.Warn(ctx, "Run exceeded its timeout, terminating",
			tag.Script(script.Slug), tag.RecordID(record.ID), tag.Timeout(timeout))
		e.terminate(ctx, pid)
		waitErr = <-waitDone
	case <-ctx.Done():
		logger.Info(ctx, "Run cancelled, terminating",
			tag.Script(script.Slug), tag.RecordID(record.ID))
		e.terminate(ctx, pid)
		waitErr = <-waitDone
	}

	maxMemoryMB, maxCPUPercent := sampler.stop()

	now := time.Now().UTC()
	final := store.RunFinal{
		FinishedAt:    now,
		DurationMS:    now.Sub(started).Milliseconds(),
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		MaxMemoryMB:   maxMemoryMB,
		MaxCPUPercent: maxCPUPercent,
	}

	exitCode := exitCodeOf(waitErr)
	final.ExitCode = &exitCode

	switch {
	case timedOut:
		final.Status = models.StatusTimeout
		final.Stderr = appendLine(final.Stderr, fmt.Sprintf("terminated after exceeding the %s timeout", timeout))
	case waitErr != nil || exitCode != 0:
		final.Status = models.StatusFailed
	default:
		final.Status = models.StatusSuccess
	}
	return final
}

// terminate signals the whole process group: SIGTERM, then SIGKILL after the
// grace window if the group is still alive.
func (e *Engine) terminate(ctx context.Context, pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.After(e.opts.TerminationGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			logger.Warn(ctx, "Process group survived SIGTERM, escalating",
				tag.PID(pid), tag.Signal("SIGKILL"))
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return
		case <-ticker.C:
			// Signal 0 probes group liveness.
			if err := syscall.Kill(-pid, syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return strings.TrimRight(s, "\n") + "\n" + line
}

// buildEnv layers the script's variables over a minimal inherited base.
func buildEnv(envVars map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+envVars[k])
	}
	return env
}

// resourceSampler polls the subprocess for peak memory and CPU usage.
type resourceSampler struct {
	pid      int
	interval time.Duration
	done     chan struct{}
	finished chan struct{}

	maxRSS int64
	maxCPU float64
	seen   bool
}

func newResourceSampler(pid int, interval time.Duration) *resourceSampler {
	return &resourceSampler{
		pid:      pid,
		interval: interval,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *resourceSampler) start() {
	go func() {
		defer close(s.finished)
		proc, err := process.NewProcess(int32(s.pid))
		if err != nil {
			return
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					rss := int64(mem.RSS)
					if rss > s.maxRSS {
						s.maxRSS = rss
					}
					s.seen = true
				}
				if cpu, err := proc.CPUPercent(); err == nil {
					if cpu > s.maxCPU {
						s.maxCPU = cpu
					}
					s.seen = true
				}
			}
		}
	}()
}

// stop halts sampling and returns the observed peaks, nil when the process
// exited before the first sample.
func (s *resourceSampler) stop() (*int64, *float64) {
	close(s.done)
	<-s.finished
	if !s.seen {
		return nil, nil
	}
	memMB := s.maxRSS / (1024 * 1024)
	cpu := s.maxCPU
	return &memMB, &cpu
}

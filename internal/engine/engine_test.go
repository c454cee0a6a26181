package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/store"
)

// stubEnvs runs scripts through /bin/sh instead of a provisioned venv, so
// execution behavior is testable without a python toolchain.
type stubEnvs struct {
	root string
}

func (s *stubEnvs) Ensure(_ context.Context, script *models.Script) error {
	dir := filepath.Join(s.root, script.Slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "script.sh"), []byte(script.Content), 0o755)
}

func (s *stubEnvs) Dir(key string) string        { return filepath.Join(s.root, key) }
func (s *stubEnvs) ScriptPath(key string) string { return filepath.Join(s.root, key, "script.sh") }
func (s *stubEnvs) PythonPath(string) string     { return "/bin/sh" }

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store, *eventbus.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(0)
	t.Cleanup(bus.Shutdown)

	envs := &stubEnvs{root: t.TempDir()}
	return New(st, envs, bus, nil, opts), st, bus
}

func createTestScript(t *testing.T, st *store.Store, name, content string) *models.Script {
	t.Helper()
	script := &models.Script{
		Name: name, Slug: strings.ToLower(name),
		Content: content, PythonVersion: "3.12", Enabled: true,
	}
	require.NoError(t, st.CreateScript(context.Background(), script))
	return script
}

func TestExecuteRunsToSuccess(t *testing.T) {
	e, st, bus := newTestEngine(t, Options{})
	sub := bus.Subscribe(eventbus.TypeFilter(
		eventbus.EventRunStarted, eventbus.EventRunStdout, eventbus.EventRunFinished))
	defer sub.Close()

	ctx := context.Background()
	script := createTestScript(t, st, "Greeter", "echo hello from the run\n")

	record, err := e.Execute(ctx, &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, record.Status)
	require.NotNil(t, record.ExitCode)
	assert.Equal(t, 0, *record.ExitCode)
	assert.Contains(t, record.Stdout, "hello from the run")
	require.NotNil(t, record.FinishedAt)
	assert.GreaterOrEqual(t, record.DurationMS, int64(0))

	// The stored record is terminal and matches the returned one.
	stored, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Contains(t, stored.Stdout, "hello from the run")

	got, err := st.GetScript(ctx, script.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RunTotal)
	assert.EqualValues(t, 1, got.RunSuccess)
	assert.NotNil(t, got.LastRunAt)

	// Events arrive in lifecycle order: started, output, finished.
	evCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var types []eventbus.EventType
	for len(types) < 3 {
		ev, ok := sub.Next(evCtx)
		require.True(t, ok)
		types = append(types, ev.Type)
	}
	assert.Equal(t, eventbus.EventRunStarted, types[0])
	assert.Equal(t, eventbus.EventRunStdout, types[1])
	assert.Equal(t, eventbus.EventRunFinished, types[len(types)-1])
}

func TestExecuteReportsNonZeroExit(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	script := createTestScript(t, st, "Failer", "exit 3\n")

	record, err := e.Execute(context.Background(), &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, record.Status)
	require.NotNil(t, record.ExitCode)
	assert.Equal(t, 3, *record.ExitCode)

	got, err := st.GetScript(context.Background(), script.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RunTotal)
	assert.EqualValues(t, 0, got.RunSuccess)
}

func TestExecuteTerminatesOnTimeout(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{TerminationGrace: time.Second})
	script := createTestScript(t, st, "Sleeper", "sleep 30\n")
	script.TimeoutSeconds = 1
	require.NoError(t, st.UpdateScript(context.Background(), script))

	start := time.Now()
	record, err := e.Execute(context.Background(), &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredBySchedule,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, record.Status)
	assert.Contains(t, record.Stderr, "timeout")
	require.NotNil(t, record.ExitCode)
	assert.NotEqual(t, 0, *record.ExitCode)
	// SIGTERM lands well before the 30s sleep would end.
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{TerminationGrace: time.Second})
	script := createTestScript(t, st, "Busy", "sleep 30\n")

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(ctx, &models.RunRequest{
			ScriptID:    script.ID,
			TriggeredBy: models.TriggeredByManual,
		})
	}()
	require.Eventually(t, func() bool { return e.Running(script.ID) },
		5*time.Second, 10*time.Millisecond)

	_, err := e.Execute(ctx, &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredByManual,
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, e.Cancel(script.ID))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not finish")
	}
	assert.False(t, e.Running(script.ID))
}

func TestExecuteTruncatesOutput(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{OutputLimitBytes: 16})
	script := createTestScript(t, st, "Chatty", "echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")

	record, err := e.Execute(context.Background(), &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredByManual,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, record.Status)
	assert.True(t, strings.HasSuffix(record.Stdout, truncationMarker))
}

func TestExecuteClaimsPendingRecord(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	script := createTestScript(t, st, "Mirrored", "echo replayed\n")

	req := &models.RunRequest{
		ScriptID:    script.ID,
		TriggeredBy: models.TriggeredBySchedule,
		EnqueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.RunEnqueued(ctx, req))
	require.NotZero(t, req.RecordID)

	record, err := e.Execute(ctx, req)
	require.NoError(t, err)

	// The run finalized the mirror row instead of creating a second record.
	assert.Equal(t, req.RecordID, record.ID)
	stored, err := st.GetRecord(ctx, req.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)

	pending, err := st.ListPendingRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
	assert.Equal(t, -1, exitCodeOf(assert.AnError))

	err := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, err)
	assert.Equal(t, 3, exitCodeOf(err))
}

func TestBuildEnvLayersScriptVariables(t *testing.T) {
	t.Setenv("PYSCHED_TEST_BASE", "inherited")

	env := buildEnv(map[string]string{"B_KEY": "2", "A_KEY": "1"})

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PYSCHED_TEST_BASE=inherited")

	// Script variables come last, in key order, so they win on collision.
	require.GreaterOrEqual(t, len(env), 2)
	assert.Equal(t, "A_KEY=1", env[len(env)-2])
	assert.Equal(t, "B_KEY=2", env[len(env)-1])
}

func TestAppendLine(t *testing.T) {
	assert.Equal(t, "only", appendLine("", "only"))
	assert.Equal(t, "first\nsecond", appendLine("first\n", "second"))
}

func TestCancelWithoutActiveRun(t *testing.T) {
	e := New(nil, nil, nil, nil, Options{})
	assert.ErrorIs(t, e.Cancel(99), store.ErrNotFound)
	assert.False(t, e.Running(99))
	assert.Zero(t, e.ActiveCount())
}

func TestOptionsFillDefaults(t *testing.T) {
	var opts Options
	opts.fill()
	assert.Positive(t, opts.DefaultTimeout)
	assert.Positive(t, opts.TerminationGrace)
	assert.Equal(t, 256*1024, opts.OutputLimitBytes)
}

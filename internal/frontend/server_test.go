package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysched/pysched/internal/config"
	"github.com/pysched/pysched/internal/engine"
	"github.com/pysched/pysched/internal/envmgr"
	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/runqueue"
	"github.com/pysched/pysched/internal/scheduler"
	"github.com/pysched/pysched/internal/store"
)

type testHarness struct {
	server     *httptest.Server
	store      *store.Store
	scriptsDir string
	token      string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	dataPath := t.TempDir()
	cfg := &config.Config{
		DataPath:            dataPath,
		Host:                "127.0.0.1",
		Port:                8000,
		SecretKey:           "test-secret",
		DefaultAPIKey:       "test-api-key",
		MaxRecordsPerScript: 100,
		RetentionDays:       30,
		RateLimitEnabled:    false,
	}

	st, err := store.Open(ctx, filepath.Join(dataPath, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedSettings(ctx))

	bus := eventbus.New(0)
	t.Cleanup(bus.Shutdown)
	scriptsDir := filepath.Join(dataPath, "scripts")
	envs := envmgr.New(scriptsDir, bus)
	eng := engine.New(st, envs, bus, nil, engine.Options{})
	queue := runqueue.New(8, 1, nil, func(context.Context, *models.RunRequest) {})
	sched := scheduler.New(st, queue, eng, bus)

	srv := New(cfg, st, eng, queue, sched, envs, bus)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &testHarness{server: ts, store: st, scriptsDir: scriptsDir}
	h.register(t, "admin", "admin@example.com", "supersecret")
	h.token = h.login(t, "admin", "supersecret")
	return h
}

func (h *testHarness) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (h *testHarness) register(t *testing.T, username, email, password string) {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username, "email": email, "password": password,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (h *testHarness) login(t *testing.T, username, password string) string {
	t.Helper()
	var out loginResponse
	resp := h.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username, "password": password,
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (h *testHarness) createScript(t *testing.T, name string) *models.Script {
	t.Helper()
	var script models.Script
	resp := h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name":    name,
		"content": "print('hello')",
	}, &script)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return &script
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.server.URL + "/api/scripts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "admin", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFirstRegisteredUserIsAdmin(t *testing.T) {
	h := newTestHarness(t)
	h.register(t, "second", "second@example.com", "password123")

	var me models.User
	resp := h.do(t, http.MethodGet, "/api/auth/me", nil, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, me.IsAdmin)

	second, err := h.store.GetUserByUsername(context.Background(), "second")
	require.NoError(t, err)
	assert.False(t, second.IsAdmin)
}

func TestScriptLifecycle(t *testing.T) {
	h := newTestHarness(t)

	script := h.createScript(t, "My Daily Report!")
	assert.Equal(t, "my-daily-report", script.Slug)
	assert.Equal(t, "3.12", script.PythonVersion)
	assert.True(t, script.Enabled)

	var fetched models.Script
	resp := h.do(t, http.MethodGet, fmt.Sprintf("/api/scripts/%d", script.ID), nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, script.Name, fetched.Name)

	resp = h.do(t, http.MethodPut, fmt.Sprintf("/api/scripts/%d", script.ID), map[string]any{
		"name":        "Renamed Report",
		"content":     "print('renamed')",
		"description": "now renamed",
	}, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed-report", fetched.Slug)

	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/scripts/%d", script.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodGet, fmt.Sprintf("/api/scripts/%d", script.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateScriptValidation(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name": "No Content",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name":           "Bad Version",
		"content":        "print(1)",
		"python_version": "2.7",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name":                  "Bad Env",
		"content":               "print(1)",
		"environment_variables": map[string]string{"lower-case": "x"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteQueuesRun(t *testing.T) {
	h := newTestHarness(t)
	script := h.createScript(t, "Runner")

	var out map[string]any
	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%d/execute", script.ID), nil, &out)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, out["task_id"])
	assert.Equal(t, "queued", out["status"])
}

func TestExecuteSaturatedQueueIsServiceUnavailable(t *testing.T) {
	h := newTestHarness(t)
	script := h.createScript(t, "Swamped")

	// The harness queue holds 8 requests and its workers never start.
	for i := 0; i < 8; i++ {
		resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%d/execute", script.ID), nil, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	var out errorResponse
	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/scripts/%d/execute", script.ID), nil, &out)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "queue_full", out.Error)
}

func TestContentUpdateHonorsAutoSave(t *testing.T) {
	h := newTestHarness(t)

	var script models.Script
	resp := h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name":      "Hand Saved",
		"content":   "print('original')",
		"auto_save": false,
	}, &script)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodPut, fmt.Sprintf("/api/scripts/%d/content", script.ID),
		map[string]string{"content": "print('sneaky')"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := h.store.GetScript(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Equal(t, "print('original')", got.Content)

	// With auto-save on, the same request lands.
	autoSaved := h.createScript(t, "Auto Saved")
	resp = h.do(t, http.MethodPut, fmt.Sprintf("/api/scripts/%d/content", autoSaved.ID),
		map[string]string{"content": "print('draft')"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err = h.store.GetScript(context.Background(), autoSaved.ID)
	require.NoError(t, err)
	assert.Equal(t, "print('draft')", got.Content)
}

func TestTriggerBySlugRequiresAPIKey(t *testing.T) {
	h := newTestHarness(t)
	script := h.createScript(t, "Webhook Job")

	resp, err := http.Post(h.server.URL+"/api/scripts/trigger/"+script.Slug, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The seeded default key admits the run.
	resp, err = http.Post(
		h.server.URL+"/api/scripts/trigger/"+script.Slug+"?api_key=default-api-key-change-me",
		"application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTriggerBySlugDisambiguatesFolders(t *testing.T) {
	h := newTestHarness(t)

	var etl, nightly models.Folder
	resp := h.do(t, http.MethodPost, "/api/folders", map[string]any{"name": "etl"}, &etl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/api/folders", map[string]any{"name": "nightly"}, &nightly)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, folderID := range []int64{etl.ID, nightly.ID} {
		resp = h.do(t, http.MethodPost, "/api/scripts", map[string]any{
			"name":      "Report",
			"content":   "print('hello')",
			"folder_id": folderID,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	// The bare slug matches both scripts.
	resp, err := http.Post(
		h.server.URL+"/api/scripts/trigger/report?api_key=default-api-key-change-me",
		"application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(
		fmt.Sprintf("%s/api/scripts/trigger/report?api_key=default-api-key-change-me&folder_id=%d",
			h.server.URL, nightly.ID),
		"application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestFolderEndpoints(t *testing.T) {
	h := newTestHarness(t)

	var folder models.Folder
	resp := h.do(t, http.MethodPost, "/api/folders", map[string]any{"name": "reports"}, &folder)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/folders", map[string]any{"name": "reports"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var views []folderView
	resp = h.do(t, http.MethodGet, "/api/folders", nil, &views)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, views, 1)

	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/folders/%d", folder.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteFolderRemovesNestedScriptDirs(t *testing.T) {
	h := newTestHarness(t)

	var parent, child models.Folder
	resp := h.do(t, http.MethodPost, "/api/folders", map[string]any{"name": "jobs"}, &parent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/api/folders",
		map[string]any{"name": "nested", "parent_id": parent.ID}, &child)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var script models.Script
	resp = h.do(t, http.MethodPost, "/api/scripts", map[string]any{
		"name":      "Loader",
		"content":   "print('hello')",
		"folder_id": child.ID,
	}, &script)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Simulate a prior run having materialized the script on disk.
	dir := filepath.Join(h.scriptsDir, fmt.Sprintf("f%d", child.ID), script.Slug)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.py"), []byte(script.Content), 0o644))

	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/folders/%d", parent.ID), nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The nested subfolder's tree is gone along with the catalog rows.
	assert.NoDirExists(t, dir)
	resp = h.do(t, http.MethodGet, fmt.Sprintf("/api/scripts/%d", script.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerEndpoints(t *testing.T) {
	h := newTestHarness(t)
	script := h.createScript(t, "Scheduled Job")

	var trigger models.Trigger
	resp := h.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"script_id":    script.ID,
		"trigger_type": "cron",
		"config":       map[string]any{"expression": "*/10 * * * *", "timezone": "UTC"},
	}, &trigger)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotNil(t, trigger.NextFireAt)

	resp = h.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"script_id":    script.ID,
		"trigger_type": "cron",
		"config":       map[string]any{"expression": "not valid"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var toggled models.Trigger
	resp = h.do(t, http.MethodPost, fmt.Sprintf("/api/triggers/%d/toggle", trigger.ID), nil, &toggled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, toggled.Enabled)

	resp = h.do(t, http.MethodDelete, fmt.Sprintf("/api/triggers/%d", trigger.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestValidateCronEndpoint(t *testing.T) {
	h := newTestHarness(t)

	var out validateCronResponse
	resp := h.do(t, http.MethodPost, "/api/triggers/validate-cron", map[string]string{
		"expression": "0 2 * * *",
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Valid)
	assert.Len(t, out.NextRuns, 5)

	resp = h.do(t, http.MethodPost, "/api/triggers/validate-cron", map[string]string{
		"expression": "61 * * * *",
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Error)
}

func TestRecordEndpoints(t *testing.T) {
	h := newTestHarness(t)
	script := h.createScript(t, "History Job")

	ctx := context.Background()
	record := &models.ExecutionRecord{
		ScriptID:    script.ID,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: models.TriggeredByManual,
	}
	require.NoError(t, h.store.CreateRecord(ctx, record))
	require.NoError(t, h.store.FinalizeRecord(ctx, record.ID, store.RunFinal{
		Status:     models.StatusSuccess,
		FinishedAt: time.Now().UTC(),
		DurationMS: 100,
		Stdout:     "done",
	}))

	var list recordListResponse
	resp := h.do(t, http.MethodGet, "/api/executions", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, list.Total)

	var stats store.RunStats
	resp = h.do(t, http.MethodGet, "/api/executions/stats", nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, stats.Success)

	var cleanup map[string]int64
	resp = h.do(t, http.MethodPost, "/api/executions/cleanup", nil, &cleanup)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	h := newTestHarness(t)

	var out map[string]any
	resp := h.do(t, http.MethodGet, "/api/executions/queue", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out, "queue")
	assert.Contains(t, out, "active_runs")
}

func TestSettingsAdminOnly(t *testing.T) {
	h := newTestHarness(t)
	h.register(t, "plain", "plain@example.com", "password123")
	plainToken := h.login(t, "plain", "password123")

	adminToken := h.token
	h.token = plainToken
	resp := h.do(t, http.MethodGet, "/api/settings", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	h.token = adminToken

	var settings []models.Setting
	resp = h.do(t, http.MethodGet, "/api/settings", nil, &settings)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, settings)

	resp = h.do(t, http.MethodPut, "/api/settings", map[string]string{
		"api_key": "rotated-key",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	value, err := h.store.GetSetting(context.Background(), models.SettingAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "rotated-key", value)

	resp = h.do(t, http.MethodPut, "/api/settings", map[string]string{
		"unknown_key": "x",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimezonesEndpoint(t *testing.T) {
	h := newTestHarness(t)

	var out map[string][]string
	resp := h.do(t, http.MethodGet, "/api/auth/timezones", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out["timezones"], "UTC")
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("1.2.3.4", now))
	}
	assert.False(t, rl.allow("1.2.3.4", now))

	// A different client has its own bucket.
	assert.True(t, rl.allow("5.6.7.8", now))

	// Tokens refill with time.
	assert.True(t, rl.allow("1.2.3.4", now.Add(time.Minute)))
}

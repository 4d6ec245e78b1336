package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixgo/events"
	"matrixgo/runner"
	"matrixgo/runner/storage"
)

const pipeline = `
on:
  pull_request:
  push:
    branches: [main]
jobs:
  - name: fmt
    platforms: [linux, windows]
    steps:
      - run: cargo fmt --check
`

type fakeLauncher struct {
	mu   sync.Mutex
	reqs []LaunchRequest
	err  error
}

func (f *fakeLauncher) Launch(req LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "run-" + strconv.Itoa(len(f.reqs)), nil
}

type testEnv struct {
	dir      string
	store    *storage.Storage
	broker   *events.EventBroker
	launcher *fakeLauncher
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	write := func(path, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write(filepath.Join(dir, "downloader", runner.DefaultConfigName), pipeline)
	write(filepath.Join(dir, "projects.yml"), `
projects:
  - name: downloader
    path: downloader
  - name: broken
    path: missing
`)

	store, err := storage.NewStorage(filepath.Join(dir, "matrixgo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		dir:      dir,
		store:    store,
		broker:   events.NewBroker(nil),
		launcher: &fakeLauncher{},
	}
	env.handler = NewRouter(&Server{
		Store:    store,
		Projects: runner.NewProjectRegistry(filepath.Join(dir, "projects.yml"), nil),
		Broker:   env.broker,
		Launcher: env.launcher,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// seedRun stores a finished run with one failing unit
func (e *testEnv) seedRun(t *testing.T) *storage.Run {
	t.Helper()
	run, err := e.store.CreateRun("uuid-seed", "downloader", "matrixgo.yml", "push", "main")
	require.NoError(t, err)
	for _, platform := range []string{"linux", "windows"} {
		u, err := e.store.CreateUnit(run.ID, "fmt", platform)
		require.NoError(t, err)
		se, err := e.store.CreateStepExecution(run.ID, u.ID, "cargo fmt --check", "cargo fmt --check")
		require.NoError(t, err)
		status, code := "success", 0
		if platform == "windows" {
			status, code = "failed", 1
		}
		require.NoError(t, e.store.UpdateStepExecution(se.ID, storage.StepOutcome{Status: status, ExitCode: code}))
		require.NoError(t, e.store.UpdateUnitStatus(u.ID, status, time.Second))
	}
	require.NoError(t, e.store.UpdateRunStatus(run.ID, "failed", 2*time.Second))
	return run
}

func TestGetRuns(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	env.seedRun(t)
	_, err := env.store.CreateRun("uuid-other", "docs", "x.yml", "pull_request", "")
	require.NoError(t, err)

	var runs []storage.Run
	decode(t, env.do(t, http.MethodGet, "/api/runs?limit=10", ""), &runs)
	assert.Len(t, runs, 2)

	decode(t, env.do(t, http.MethodGet, "/api/runs?project=downloader", ""), &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "uuid-seed", runs[0].UUID)

	decode(t, env.do(t, http.MethodGet, "/api/projects/docs/runs", ""), &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "uuid-other", runs[0].UUID)
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t)

	for _, id := range []string{strconv.Itoa(run.ID), run.UUID} {
		rec := env.do(t, http.MethodGet, "/api/runs/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code, id)

		var detail RunDetail
		decode(t, rec, &detail)
		assert.Equal(t, "failed", detail.Run.Status)
		require.Len(t, detail.Units, 2)
		assert.Equal(t, "linux", detail.Units[0].Platform)
		assert.Equal(t, "windows", detail.Units[1].Platform)
		require.Len(t, detail.Units[1].Steps, 1)
		assert.Equal(t, 1, detail.Units[1].Steps[0].ExitCode)
	}

	rec := env.do(t, http.MethodGet, "/api/runs/"+run.UUID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/runs/999", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/runs/no-such-uuid/status", "").Code)
}

func TestPostRun(t *testing.T) {
	env := newTestEnv(t)
	configPath := filepath.Join(env.dir, "downloader", runner.DefaultConfigName)

	rec := env.do(t, http.MethodPost, "/api/runs", `{"config_path":"`+configPath+`","event":"pull_request","platforms":["linux"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "run-1", body["run_id"])

	require.Len(t, env.launcher.reqs, 1)
	req := env.launcher.reqs[0]
	assert.Equal(t, configPath, req.ConfigPath)
	assert.Equal(t, "downloader", req.Project)
	assert.Equal(t, runner.PullRequest(), req.Trigger)
	assert.Equal(t, []runner.Platform{"linux"}, req.Platforms)

	// push to main is the default trigger
	rec = env.do(t, http.MethodPost, "/api/runs", `{"config_path":"`+configPath+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, runner.Push("main"), env.launcher.reqs[1].Trigger)
}

func TestPostRunErrors(t *testing.T) {
	env := newTestEnv(t)
	configPath := filepath.Join(env.dir, "downloader", runner.DefaultConfigName)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing path", `{"event":"pull_request"}`, http.StatusBadRequest},
		{"unknown event", `{"config_path":"` + configPath + `","event":"tag"}`, http.StatusBadRequest},
		{"push without branch", `{"config_path":"` + configPath + `","event":"push"}`, http.StatusBadRequest},
		{"missing file", `{"config_path":"` + filepath.Join(env.dir, "nope.yml") + `"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.launcher.reqs)

	env.launcher.err = &runner.ConfigurationError{Problems: []string{"no jobs declared"}}
	rec := env.do(t, http.MethodPost, "/api/runs", `{"config_path":"`+configPath+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no jobs declared")
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t)

	var projects []ProjectResponse
	decode(t, env.do(t, http.MethodGet, "/api/projects", ""), &projects)
	require.Len(t, projects, 2)
	assert.Equal(t, "downloader", projects[0].Name)
	assert.True(t, projects[0].Valid)
	assert.False(t, projects[1].Valid)
	assert.NotEmpty(t, projects[1].Error)

	rec := env.do(t, http.MethodPost, "/api/projects/downloader/runs", `{"event":"push","branch":"main","jobs":["fmt"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, env.launcher.reqs, 1)
	req := env.launcher.reqs[0]
	assert.Equal(t, "downloader", req.Project)
	assert.Equal(t, filepath.Join(env.dir, "downloader", runner.DefaultConfigName), req.ConfigPath)
	assert.Equal(t, []string{"fmt"}, req.Jobs)

	// no body triggers a push to main
	rec = env.do(t, http.MethodPost, "/api/projects/downloader/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/projects/ghost/runs", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/projects/broken/runs", "").Code)
}

func TestProjectStats(t *testing.T) {
	env := newTestEnv(t)

	var stats []storage.UnitRunStats
	decode(t, env.do(t, http.MethodGet, "/api/projects/downloader/stats", ""), &stats)
	// placeholders for declared units that never ran
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Zero(t, s.RunID)
	}

	env.seedRun(t)
	decode(t, env.do(t, http.MethodGet, "/api/projects/downloader/stats", ""), &stats)
	require.Len(t, stats, 2)
	byPlatform := map[string]string{}
	for _, s := range stats {
		byPlatform[s.Platform] = s.Status
	}
	assert.Equal(t, map[string]string{"linux": "success", "windows": "failed"}, byPlatform)
}

func (e *testEnv) withOrigins(origins ...string) {
	e.handler = NewRouter(&Server{
		Store:          e.store,
		Projects:       runner.NewProjectRegistry(filepath.Join(e.dir, "projects.yml"), nil),
		Broker:         e.broker,
		Launcher:       e.launcher,
		AllowedOrigins: origins,
	})
}

func (e *testEnv) doFrom(t *testing.T, origin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Origin", origin)
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestCrossOriginDefaultsToSameOrigin(t *testing.T) {
	env := newTestEnv(t)
	body := `{"config_path":"` + filepath.Join(env.dir, "downloader", runner.DefaultConfigName) + `"}`

	rec := env.doFrom(t, "https://evil.example", http.MethodOptions, "/api/runs", "")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.doFrom(t, "https://evil.example", http.MethodPost, "/api/runs", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.launcher.reqs)

	rec = env.doFrom(t, "https://evil.example", http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// httptest requests target example.com
	rec = env.doFrom(t, "http://example.com", http.MethodPost, "/api/runs", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestCrossOriginAllowList(t *testing.T) {
	env := newTestEnv(t)
	env.withOrigins("https://ui.example")
	body := `{"config_path":"` + filepath.Join(env.dir, "downloader", runner.DefaultConfigName) + `"}`

	rec := env.doFrom(t, "https://ui.example", http.MethodOptions, "/api/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.doFrom(t, "https://ui.example", http.MethodPost, "/api/runs", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.doFrom(t, "https://evil.example", http.MethodPost, "/api/runs", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, env.launcher.reqs, 1)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	require.Eventually(t, func() bool { return env.broker.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.broker.Broadcast("run_finished", map[string]string{"status": "success"})

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: run_finished") {
			break
		}
	}
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"status\":\"success\"}\n", line)

	cancel()
	require.Eventually(t, func() bool { return env.broker.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

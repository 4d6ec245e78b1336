package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// spyExecutor records every command and answers from a script
type spyExecutor struct {
	mu     sync.Mutex
	calls  []Command
	script func(cmd Command) (*ExecResult, error)
}

func (s *spyExecutor) Execute(ctx context.Context, cmd Command) (*ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.mu.Unlock()
	if s.script == nil {
		return &ExecResult{Output: []byte("ok\n")}, nil
	}
	return s.script(cmd)
}

func (s *spyExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// scripts returns the shell script of every recorded command in call order
func (s *spyExecutor) scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Argv[len(c.Argv)-1])
	}
	return out
}

// failOn makes commands fail with code when platform and script match.
// An empty platform matches every platform.
func failOn(platform, script string, code int) func(Command) (*ExecResult, error) {
	return func(cmd Command) (*ExecResult, error) {
		p := envValue(cmd.Env, "MATRIXGO_PLATFORM")
		if (platform == "" || p == platform) && cmd.Argv[len(cmd.Argv)-1] == script {
			return &ExecResult{ExitCode: code, Output: []byte("boom\n")}, nil
		}
		return &ExecResult{Output: []byte("ok\n")}, nil
	}
}

// recordingObserver keeps the lifecycle callbacks it received
type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	states   []State
	started  []string
	finished map[string]Status
	skipped  int
	done     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]Status)}
}

func (o *recordingObserver) StateChanged(runID string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) UnitStarted(runID string, unit ExecutionUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, unit.ID())
}

func (o *recordingObserver) UnitFinished(runID string, unit ExecutionUnit, result *UnitResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[unit.ID()] = result.Status
}

func (o *recordingObserver) PipelineSkipped(*PipelineResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped++
}

func (o *recordingObserver) PipelineFinished(*PipelineResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done++
}

func mustParse(t *testing.T, yml string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(strings.TrimLeft(yml, "\n")))
	require.NoError(t, err)
	cfg.Dir = t.TempDir()
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestRunner(t *testing.T, exec Executor) *StepRunner {
	t.Helper()
	return NewStepRunner(exec, NewArena(t.TempDir()))
}

func testRun(cfg *Config) *RunInfo {
	return &RunInfo{ID: "test-run", Trigger: Push("main"), Config: cfg}
}

const rustPipeline = `
name: downloader
on:
  pull_request:
  push:
    branches: [main]
jobs:
  - name: fmt
    platforms: [linux, macos, windows]
    steps:
      - name: check
        run: cargo fmt --check
  - name: clippy
    platforms: [linux, macos, windows]
    steps:
      - name: lint
        run: cargo clippy -- -D warnings
  - name: test
    platforms: [linux, macos, windows]
    steps:
      - name: build
        run: cargo build
      - name: test
        run: cargo test
`

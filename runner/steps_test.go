package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeSteps = `
on:
  pull_request:
platforms:
  windows:
    shell: [pwsh, -Command]
env:
  LEVEL: pipeline
jobs:
  - name: test
    platforms: [linux, windows]
    env:
      LEVEL: job
    steps:
      - name: build
        run: cargo build
      - name: test
        run: cargo test
      - name: report
        run: echo done
`

func unitOf(t *testing.T, cfg *Config, job string, platform Platform) ExecutionUnit {
	t.Helper()
	j, err := cfg.Job(job)
	require.NoError(t, err)
	units, err := ExpandFiltered(j, []Platform{platform})
	require.NoError(t, err)
	require.Len(t, units, 1)
	return units[0]
}

func TestRunUnitPasses(t *testing.T) {
	cfg := mustParse(t, threeSteps)
	spy := &spyExecutor{}
	r := newTestRunner(t, spy)

	res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "test", "linux"))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Passed())
	require.Len(t, res.Steps, 3)
	for _, s := range res.Steps {
		assert.True(t, s.Passed(), s.Name)
		assert.Equal(t, "ok\n", s.Output)
	}
	assert.Nil(t, res.FailedStep())
	assert.Equal(t, []string{"cargo build", "cargo test", "echo done"}, spy.scripts())
}

func TestRunUnitStopsAtFirstFailure(t *testing.T) {
	cfg := mustParse(t, threeSteps)
	spy := &spyExecutor{script: failOn("", "cargo test", 101)}
	r := newTestRunner(t, spy)

	res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "test", "linux"))

	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Steps, 2, "steps after the failure must not run")
	assert.True(t, res.Steps[0].Passed())

	failed := res.FailedStep()
	require.NotNil(t, failed)
	assert.Equal(t, "test", failed.Name)
	assert.Equal(t, 101, failed.ExitCode)
	var stepErr *StepFailureError
	require.ErrorAs(t, failed.Err, &stepErr)
	assert.Equal(t, 101, stepErr.ExitCode)
	assert.Equal(t, "failure", ErrorKind(failed.Err))
	assert.Equal(t, 2, spy.Calls())
}

func TestRunUnitClassifiesExecutionErrors(t *testing.T) {
	tests := []struct {
		name   string
		script func(Command) (*ExecResult, error)
		cause  error
		code   int
	}{
		{
			name:   "shell reports command not found",
			script: failOn("", "cargo build", 127),
			cause:  ErrCommandNotFound,
			code:   127,
		},
		{
			name:   "cmd.exe reports command not found",
			script: failOn("", "cargo build", 9009),
			cause:  ErrCommandNotFound,
			code:   9009,
		},
		{
			name: "executor cannot start the command",
			script: func(Command) (*ExecResult, error) {
				return nil, ErrCommandNotFound
			},
			cause: ErrCommandNotFound,
			code:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustParse(t, threeSteps)
			spy := &spyExecutor{script: tt.script}
			r := newTestRunner(t, spy)

			res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "test", "linux"))

			assert.Equal(t, StatusFailed, res.Status)
			require.Len(t, res.Steps, 1)
			step := res.Steps[0]
			assert.Equal(t, tt.code, step.ExitCode)
			var execErr *ExecutionError
			require.ErrorAs(t, step.Err, &execErr)
			assert.Equal(t, "build", execErr.Step)
			assert.ErrorIs(t, step.Err, tt.cause)
			assert.Equal(t, "execution", ErrorKind(step.Err))
		})
	}
}

func TestRunUnitUnknownAction(t *testing.T) {
	cfg := mustParse(t, `
on: {pull_request: true}
jobs:
  - name: fmt
    platforms: [linux]
    steps:
      - uses: upload-artifact
      - run: cargo fmt --check
`)
	spy := &spyExecutor{}
	r := newTestRunner(t, spy)

	res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "fmt", "linux"))

	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Steps, 1)
	assert.ErrorIs(t, res.Steps[0].Err, ErrUnknownAction)
	assert.Equal(t, "execution", ErrorKind(res.Steps[0].Err))
	assert.Zero(t, spy.Calls())
}

func TestRunUnitShellAndEnvironment(t *testing.T) {
	cfg := mustParse(t, `
on: {pull_request: true}
platforms:
  windows:
    shell: [pwsh, -Command]
env:
  LEVEL: pipeline
  KEEP: pipeline
jobs:
  - name: test
    platforms: [linux, windows]
    env:
      LEVEL: job
    steps:
      - name: default shell
        run: one
      - name: own shell
        run: two
        shell: [sh, -eu, -c]
        env:
          LEVEL: step
`)
	for _, platform := range []Platform{"linux", "windows"} {
		t.Run(string(platform), func(t *testing.T) {
			spy := &spyExecutor{}
			r := newTestRunner(t, spy)
			run := &RunInfo{ID: "run-1", Trigger: PullRequest(), Config: cfg}

			res := r.RunUnit(context.Background(), run, unitOf(t, cfg, "test", platform))
			require.True(t, res.Passed())
			require.Len(t, spy.calls, 2)

			first, second := spy.calls[0], spy.calls[1]
			if platform == "windows" {
				assert.Equal(t, []string{"pwsh", "-Command", "one"}, first.Argv)
			} else {
				assert.Equal(t, append(DefaultShell(), "one"), first.Argv)
			}
			assert.Equal(t, []string{"sh", "-eu", "-c", "two"}, second.Argv)

			assert.Equal(t, "job", envValue(first.Env, "LEVEL"))
			assert.Equal(t, "step", envValue(second.Env, "LEVEL"))
			assert.Equal(t, "pipeline", envValue(first.Env, "KEEP"))
			assert.Equal(t, "true", envValue(first.Env, "CI"))
			assert.Equal(t, "run-1", envValue(first.Env, "MATRIXGO_RUN_ID"))
			assert.Equal(t, "test", envValue(first.Env, "MATRIXGO_JOB"))
			assert.Equal(t, string(platform), envValue(first.Env, "MATRIXGO_PLATFORM"))
			assert.Equal(t, "pull_request", envValue(first.Env, "MATRIXGO_EVENT"))
			assert.Equal(t, first.Dir, envValue(first.Env, "MATRIXGO_WORKSPACE"))
		})
	}
}

// exporter writes to the env and path files the way a step script would
func exporter(platform Platform) func(Command) (*ExecResult, error) {
	return func(cmd Command) (*ExecResult, error) {
		script := cmd.Argv[len(cmd.Argv)-1]
		if script == "export" && envValue(cmd.Env, "MATRIXGO_PLATFORM") == string(platform) {
			if err := os.WriteFile(envValue(cmd.Env, "MATRIXGO_ENV"), []byte("TOOLCHAIN=stable\nexport CARGO_HOME=\"/opt/cargo\"\n"), 0644); err != nil {
				return nil, err
			}
			if err := os.WriteFile(envValue(cmd.Env, "MATRIXGO_PATH"), []byte("tools/bin\n"), 0644); err != nil {
				return nil, err
			}
		}
		return &ExecResult{}, nil
	}
}

func TestStepExportsReachLaterStepsOfTheSameUnitOnly(t *testing.T) {
	cfg := mustParse(t, `
on: {pull_request: true}
jobs:
  - name: test
    platforms: [linux, macos]
    steps:
      - run: export
      - run: use
`)
	spy := &spyExecutor{script: exporter("linux")}
	r := newTestRunner(t, spy)
	run := testRun(cfg)

	linux := r.RunUnit(context.Background(), run, unitOf(t, cfg, "test", "linux"))
	macos := r.RunUnit(context.Background(), run, unitOf(t, cfg, "test", "macos"))
	require.True(t, linux.Passed())
	require.True(t, macos.Passed())
	require.Len(t, spy.calls, 4)

	linuxUse := spy.calls[1]
	assert.Equal(t, "stable", envValue(linuxUse.Env, "TOOLCHAIN"))
	assert.Equal(t, "/opt/cargo", envValue(linuxUse.Env, "CARGO_HOME"))
	path := envValue(linuxUse.Env, "PATH")
	assert.True(t, strings.HasPrefix(path, filepath.Join(linuxUse.Dir, "tools", "bin")), path)

	macosUse := spy.calls[3]
	assert.Empty(t, envValue(macosUse.Env, "TOOLCHAIN"))
	assert.NotEqual(t, linuxUse.Dir, macosUse.Dir)
}

func TestRunUnitReleasesWorkspace(t *testing.T) {
	cfg := mustParse(t, threeSteps)
	spy := &spyExecutor{script: failOn("", "cargo test", 1)}
	r := newTestRunner(t, spy)

	res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "test", "linux"))
	require.False(t, res.Passed())

	workspace := spy.calls[0].Dir
	_, err := os.Stat(workspace)
	assert.True(t, errors.Is(err, os.ErrNotExist), "workspace %s should be removed", workspace)
	assert.Zero(t, r.Arena.Active())
}

func TestRunUnitCancelledBeforeStart(t *testing.T) {
	cfg := mustParse(t, threeSteps)
	spy := &spyExecutor{}
	r := newTestRunner(t, spy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.RunUnit(ctx, testRun(cfg), unitOf(t, cfg, "test", "linux"))

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, res.Steps)
	assert.Zero(t, spy.Calls())
}

func TestRunUnitStreamsPrefixedOutput(t *testing.T) {
	cfg := mustParse(t, threeSteps)
	spy := &spyExecutor{script: func(cmd Command) (*ExecResult, error) {
		_, _ = cmd.Stream.Write([]byte("compiling\nwarning: partial"))
		return &ExecResult{}, nil
	}}
	r := newTestRunner(t, spy)
	var buf bytes.Buffer
	r.Terminal = NewTerminal(&buf)
	obs := newRecordingObserver()
	r.Observer = obs

	res := r.RunUnit(context.Background(), testRun(cfg), unitOf(t, cfg, "test", "linux"))
	require.True(t, res.Passed())

	out := buf.String()
	assert.Contains(t, out, "[test/linux] → build\n")
	assert.Contains(t, out, "[test/linux] compiling\n")
	assert.Contains(t, out, "[test/linux] warning: partial\n")
	assert.Contains(t, out, "[test/linux] ✅ Done: report\n")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.True(t, strings.HasPrefix(line, "[test/linux] "), line)
	}

	assert.Equal(t, []string{"test/linux"}, obs.started)
	assert.Equal(t, StatusSuccess, obs.finished["test/linux"])
}

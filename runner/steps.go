package runner

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunInfo is the read-only context shared by every unit of one invocation
type RunInfo struct {
	ID      string
	Trigger Trigger
	Config  *Config
}

// StepRunner executes the steps of one execution unit in order and stops at
// the first failure.
type StepRunner struct {
	Executor Executor
	Arena    *Arena
	Actions  map[string]Action
	CacheDir string
	// DataDir holds the run database; checkout never copies it
	DataDir  string
	Terminal *Terminal
	Observer Observer
	Logger   *zap.Logger
}

// NewStepRunner creates a step runner with the built-in actions
func NewStepRunner(executor Executor, arena *Arena) *StepRunner {
	return &StepRunner{
		Executor: executor,
		Arena:    arena,
		Actions:  DefaultActions(),
		Observer: NopObserver{},
		Logger:   zap.NewNop(),
	}
}

// RunUnit runs a unit inside a fresh environment and discards the
// environment afterwards.
func (r *StepRunner) RunUnit(ctx context.Context, run *RunInfo, unit ExecutionUnit) *UnitResult {
	start := time.Now()
	r.observer().UnitStarted(run.ID, unit)

	result := &UnitResult{Platform: unit.Platform, Steps: []StepResult{}}

	env, err := r.Arena.Acquire(unit, unitBaseEnv(run, unit))
	if err != nil {
		r.logger().Error("Failed to prepare unit environment", zap.String("unit", unit.ID()), zap.Error(err))
		result.Steps = append(result.Steps, StepResult{
			Name:     "prepare environment",
			Status:   StatusFailed,
			ExitCode: -1,
			Output:   err.Error() + "\n",
			Err:      &ExecutionError{Step: "prepare environment", Cause: err},
		})
		result.Status = StatusFailed
		result.Duration = time.Since(start)
		r.observer().UnitFinished(run.ID, unit, result)
		return result
	}
	defer func() {
		if err := r.Arena.Release(env); err != nil {
			r.logger().Warn("Failed to remove unit workspace", zap.String("unit", unit.ID()), zap.Error(err))
		}
	}()

	result.Steps = r.RunSteps(ctx, run, env)
	result.Status = unitStatus(ctx, unit, result.Steps)

	if result.Status == StatusSuccess {
		for _, fn := range env.onSuccess {
			if err := fn(); err != nil {
				r.logger().Warn("Post-unit hook failed", zap.String("unit", unit.ID()), zap.Error(err))
			}
		}
	}

	result.Duration = time.Since(start)
	r.observer().UnitFinished(run.ID, unit, result)
	return result
}

// RunSteps executes the unit's steps in declaration order. Steps after the
// first failure are not run and do not appear in the result.
func (r *StepRunner) RunSteps(ctx context.Context, run *RunInfo, env *Environment) []StepResult {
	unit := env.Unit
	results := make([]StepResult, 0, len(unit.Job.Steps))

	var out *UnitWriter
	if r.Terminal != nil {
		out = r.Terminal.For(unit)
		defer out.Flush()
	}

	for _, step := range unit.Job.Steps {
		if ctx.Err() != nil {
			break
		}
		if out != nil {
			r.Terminal.Printf(unit, "→ %s\n", step.Name)
		}
		r.observer().StepStarted(run.ID, unit, step)

		res := r.runStep(ctx, run, env, step, out)
		results = append(results, res)

		r.observer().StepFinished(run.ID, unit, step, res)
		if out != nil {
			out.Flush()
			if res.Passed() {
				r.Terminal.Printf(unit, "✅ Done: %s\n", step.Name)
			} else {
				r.Terminal.Printf(unit, "❌ Step failed: %v\n", res.Err)
			}
		}
		if !res.Passed() {
			break
		}
	}
	return results
}

func (r *StepRunner) runStep(ctx context.Context, run *RunInfo, env *Environment, step Step, out *UnitWriter) StepResult {
	start := time.Now()
	result := StepResult{Name: step.Name}

	finish := func(output string, exitCode int, err error) StepResult {
		result.Output = output
		result.ExitCode = exitCode
		result.Duration = time.Since(start)
		result.Err = err
		switch {
		case err == nil:
			result.Status = StatusSuccess
		case ctx.Err() != nil:
			result.Status = StatusCancelled
		default:
			result.Status = StatusFailed
		}
		return result
	}

	if step.Uses != "" {
		action, ok := r.Actions[step.Uses]
		if !ok {
			return finish("", -1, &ExecutionError{Step: step.Name, Cause: errors.Wrapf(ErrUnknownAction, "%s", step.Uses)})
		}
		output, err := action(ctx, &ActionContext{
			Env:       env,
			Step:      step,
			SourceDir: run.Config.Dir,
			CacheDir:  r.CacheDir,
			Skip:      r.skipDirs(),
		})
		if out != nil && output != "" {
			_, _ = out.Write([]byte(output))
		}
		if err != nil {
			return finish(output, -1, &ExecutionError{Step: step.Name, Cause: err})
		}
		return finish(output, 0, nil)
	}

	shell := step.Shell
	if len(shell) == 0 {
		shell = run.Config.PlatformEnv(env.Unit.Platform).Shell
	}
	if len(shell) == 0 {
		shell = DefaultShell()
	}
	argv := append(append([]string{}, shell...), step.Run)

	cmd := Command{
		Argv: argv,
		Dir:  env.Workspace,
		Env:  env.Environ(step.Env),
	}
	if out != nil {
		cmd.Stream = out
	}

	res, err := r.Executor.Execute(ctx, cmd)
	output := ""
	if res != nil {
		output = string(res.Output)
	}
	if err != nil {
		exitCode := -1
		if res != nil {
			exitCode = res.ExitCode
		}
		return finish(output, exitCode, &ExecutionError{Step: step.Name, Cause: err})
	}
	if notFoundExitCodes[res.ExitCode] {
		cause := errors.Wrapf(ErrCommandNotFound, "%s", firstLine(output))
		return finish(output, res.ExitCode, &ExecutionError{Step: step.Name, Cause: cause})
	}
	if res.ExitCode != 0 {
		return finish(output, res.ExitCode, &StepFailureError{Step: step.Name, ExitCode: res.ExitCode})
	}
	if err := env.absorbFiles(); err != nil {
		return finish(output, res.ExitCode, &ExecutionError{Step: step.Name, Cause: err})
	}
	return finish(output, 0, nil)
}

func (r *StepRunner) observer() Observer {
	if r.Observer == nil {
		return NopObserver{}
	}
	return r.Observer
}

func (r *StepRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// unitStatus derives the unit outcome from its step results
func unitStatus(ctx context.Context, unit ExecutionUnit, steps []StepResult) Status {
	for _, s := range steps {
		switch s.Status {
		case StatusCancelled:
			return StatusCancelled
		case StatusFailed:
			return StatusFailed
		}
	}
	if len(steps) < len(unit.Job.Steps) {
		if ctx.Err() != nil {
			return StatusCancelled
		}
		return StatusFailed
	}
	return StatusSuccess
}

// unitBaseEnv layers pipeline, platform and job variables with the
// MATRIXGO_* run description.
func unitBaseEnv(run *RunInfo, unit ExecutionUnit) map[string]string {
	base := make(map[string]string)
	for k, v := range run.Config.Env {
		base[k] = v
	}
	for k, v := range run.Config.PlatformEnv(unit.Platform).Env {
		base[k] = v
	}
	for k, v := range unit.Job.Env {
		base[k] = v
	}
	base["CI"] = "true"
	base["MATRIXGO"] = "true"
	base["MATRIXGO_RUN_ID"] = run.ID
	base["MATRIXGO_JOB"] = unit.Job.Name
	base["MATRIXGO_PLATFORM"] = string(unit.Platform)
	base["MATRIXGO_EVENT"] = string(run.Trigger.Event)
	base["MATRIXGO_BRANCH"] = run.Trigger.Branch
	return base
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// skipDirs lists the directories owned by the tool itself
func (r *StepRunner) skipDirs() []string {
	var dirs []string
	for _, dir := range []string{r.DataDir, r.CacheDir} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

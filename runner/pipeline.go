package runner

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"matrixgo/runner/storage"
)

// Coordinator runs the declared jobs of a pipeline under a trigger and
// reduces their outcomes to one verdict.
type Coordinator struct {
	Orchestrator *Orchestrator
	// Jobs restricts which jobs are run. Empty runs all of them.
	Jobs []string
	// MaxJobs bounds how many jobs run at once. Zero means no bound.
	MaxJobs int
}

// NewCoordinator creates a coordinator on top of an orchestrator
func NewCoordinator(orchestrator *Orchestrator) *Coordinator {
	return &Coordinator{Orchestrator: orchestrator}
}

// RunPipeline validates cfg, checks the trigger against its activation
// conditions and runs every job. Configuration problems abort before any unit
// starts. A trigger that matches nothing yields an empty, passing result.
func (c *Coordinator) RunPipeline(ctx context.Context, trigger Trigger, cfg *Config) (*PipelineResult, error) {
	return c.RunPipelineWithID(ctx, uuid.NewString(), trigger, cfg)
}

// RunPipelineWithID is RunPipeline with a caller-chosen run ID, for callers
// that hand the ID out before the run finishes.
func (c *Coordinator) RunPipelineWithID(ctx context.Context, runID string, trigger Trigger, cfg *Config) (*PipelineResult, error) {
	start := time.Now()
	obs := c.Orchestrator.Runner.observer()

	if cfg == nil {
		return nil, configErrorf("no pipeline configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	jobs, err := c.plan(cfg)
	if err != nil {
		return nil, err
	}

	result := &PipelineResult{
		RunID:   runID,
		Trigger: trigger,
		State:   StateIdle,
		Jobs:    make(map[string]*JobResult),
		Order:   []string{},
	}

	if !cfg.On.Matches(trigger) {
		result.Status = StatusSkipped
		result.State = StateCompleted
		result.Duration = time.Since(start)
		obs.PipelineSkipped(result)
		return result, nil
	}

	transition := func(to State) {
		result.State = to
		obs.StateChanged(runID, to)
	}

	transition(StateTriggered)
	for _, job := range jobs {
		result.Order = append(result.Order, job.Name)
	}
	result.Status = StatusRunning
	obs.PipelineStarted(result, cfg)

	transition(StateRunning)
	run := &RunInfo{ID: runID, Trigger: trigger, Config: cfg}

	var g errgroup.Group
	if c.MaxJobs > 0 {
		g.SetLimit(c.MaxJobs)
	}
	jobResults := make([]*JobResult, len(jobs))
	for i, job := range jobs {
		g.Go(func() error {
			res, err := c.Orchestrator.RunJob(ctx, run, job)
			if err != nil {
				return errors.Wrapf(err, "job '%s'", job.Name)
			}
			jobResults[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Status = StatusSuccess
	for _, jr := range jobResults {
		result.Jobs[jr.Name] = jr
		if !jr.Passed() {
			result.Status = StatusFailed
		}
	}
	result.Duration = time.Since(start)
	transition(StateCompleted)

	obs.PipelineFinished(result)
	return result, nil
}

// plan selects the jobs to run and expands each once so matrix problems are
// reported before anything executes.
func (c *Coordinator) plan(cfg *Config) ([]*Job, error) {
	selected := cfg.Jobs
	if len(c.Jobs) > 0 {
		selected = make([]*Job, 0, len(c.Jobs))
		for _, name := range c.Jobs {
			job, err := cfg.Job(name)
			if err != nil {
				return nil, err
			}
			selected = append(selected, job)
		}
	}

	jobs := make([]*Job, 0, len(selected))
	for _, job := range selected {
		units, err := ExpandFiltered(job, c.Orchestrator.Platforms)
		if err != nil {
			return nil, err
		}
		if len(units) == 0 {
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, configErrorf("no job matches the selected jobs and platforms")
	}
	return jobs, nil
}

// RunPipelineOptions configures how the pipeline should be executed
type RunPipelineOptions struct {
	Storage          *storage.Storage // Optional storage for database persistence
	StreamToTerminal bool             // If true, also stream output to Output
	Output           io.Writer
	Project          string
	Jobs             []string
	Platforms        []Platform
	Executor         Executor
	RunID            string // optional; generated when empty
	WorkDir          string // unit workspaces; empty uses the system temp dir
	CacheDir         string // cache action store; empty disables caching
	DataDir          string // run database directory, never checked out
	KeepWorkspaces   bool
	Observers        []Observer
	Logger           *zap.Logger
}

// RunPipeline loads a pipeline file and runs it under trigger
func RunPipeline(ctx context.Context, configPath string, trigger Trigger) (*PipelineResult, error) {
	return RunPipelineWithOptions(ctx, configPath, trigger, RunPipelineOptions{})
}

// RunPipelineWithOptions wires storage, streaming and logging around a
// Coordinator and runs the pipeline file under trigger.
func RunPipelineWithOptions(ctx context.Context, configPath string, trigger Trigger, opts RunPipelineOptions) (*PipelineResult, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := opts.Executor
	if executor == nil {
		executor = NewShellExecutor()
	}
	project := opts.Project
	if project == "" {
		project = filepath.Base(cfg.Dir)
	}

	observers := Observers{NewLogObserver(logger)}
	if opts.Storage != nil {
		observers = append(observers, NewRecorder(opts.Storage, project, cfg.Path, logger))
	}
	observers = append(observers, opts.Observers...)

	arena := NewArena(opts.WorkDir)
	arena.KeepWorkspaces(opts.KeepWorkspaces)

	stepRunner := NewStepRunner(executor, arena)
	stepRunner.CacheDir = opts.CacheDir
	stepRunner.DataDir = opts.DataDir
	stepRunner.Observer = observers
	stepRunner.Logger = logger
	if opts.StreamToTerminal && opts.Output != nil {
		stepRunner.Terminal = NewTerminal(opts.Output)
	}

	orchestrator := NewOrchestrator(stepRunner)
	orchestrator.Platforms = opts.Platforms

	coordinator := NewCoordinator(orchestrator)
	coordinator.Jobs = opts.Jobs

	if opts.RunID != "" {
		return coordinator.RunPipelineWithID(ctx, opts.RunID, trigger, cfg)
	}
	return coordinator.RunPipeline(ctx, trigger, cfg)
}

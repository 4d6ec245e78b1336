package runner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs every execution unit of a job and aggregates the results
type Orchestrator struct {
	Runner *StepRunner
	// Platforms restricts which units are run. Empty runs all of them.
	Platforms []Platform
}

// NewOrchestrator creates an orchestrator that runs units with runner
func NewOrchestrator(runner *StepRunner) *Orchestrator {
	return &Orchestrator{Runner: runner}
}

// RunJob expands the job matrix, runs the units concurrently and waits for
// all of them. A failing unit does not stop its siblings unless the job sets
// strategy.fail_fast. The job passes only if every unit passed.
func (o *Orchestrator) RunJob(ctx context.Context, run *RunInfo, job *Job) (*JobResult, error) {
	units, err := ExpandFiltered(job, o.Platforms)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	unitCtx := ctx
	cancel := func() {}
	if job.Strategy.FailFast {
		unitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var g errgroup.Group
	if job.Strategy.MaxParallel > 0 {
		g.SetLimit(job.Strategy.MaxParallel)
	}

	// each goroutine owns exactly one slot
	results := make([]*UnitResult, len(units))
	for i, unit := range units {
		g.Go(func() error {
			if unitCtx.Err() != nil {
				results[i] = &UnitResult{Platform: unit.Platform, Status: StatusCancelled, Steps: []StepResult{}}
				o.Runner.observer().UnitFinished(run.ID, unit, results[i])
				return nil
			}
			res := o.Runner.RunUnit(unitCtx, run, unit)
			results[i] = res
			if !res.Passed() && job.Strategy.FailFast {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	jobResult := &JobResult{
		Name:     job.Name,
		Status:   StatusSuccess,
		Units:    make(map[Platform]*UnitResult, len(units)),
		Order:    make([]Platform, 0, len(units)),
		Duration: time.Since(start),
	}
	for _, res := range results {
		jobResult.Units[res.Platform] = res
		jobResult.Order = append(jobResult.Order, res.Platform)
		if !res.Passed() {
			jobResult.Status = StatusFailed
		}
	}

	o.Runner.observer().JobFinished(run.ID, jobResult)
	return jobResult, nil
}

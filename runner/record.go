package runner

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"matrixgo/runner/storage"
)

// Recorder persists runs, units and step executions as they happen.
// Storage failures are logged and never change the verdict of a run.
type Recorder struct {
	NopObserver

	store      *storage.Storage
	project    string
	configPath string
	logger     *zap.Logger

	mu    sync.Mutex
	runs  map[string]int
	units map[string]int
	steps map[string]*storage.StepExecution
}

// NewRecorder creates a recorder writing to store
func NewRecorder(store *storage.Storage, project, configPath string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:      store,
		project:    project,
		configPath: configPath,
		logger:     logger,
		runs:       make(map[string]int),
		units:      make(map[string]int),
		steps:      make(map[string]*storage.StepExecution),
	}
}

// RunID returns the storage ID assigned to a pipeline run
func (r *Recorder) RunID(runID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.runs[runID]
	return id, ok
}

func (r *Recorder) createRun(result *PipelineResult) (int, bool) {
	run, err := r.store.CreateRun(result.RunID, r.project, r.configPath, string(result.Trigger.Event), result.Trigger.Branch)
	if err != nil {
		r.logger.Error("Failed to record run", zap.String("run_id", result.RunID), zap.Error(err))
		return 0, false
	}
	r.mu.Lock()
	r.runs[result.RunID] = run.ID
	r.mu.Unlock()
	return run.ID, true
}

func (r *Recorder) PipelineStarted(result *PipelineResult, cfg *Config) {
	r.createRun(result)
}

func (r *Recorder) PipelineSkipped(result *PipelineResult) {
	id, ok := r.createRun(result)
	if !ok {
		return
	}
	if err := r.store.UpdateRunStatus(id, string(StatusSkipped), result.Duration); err != nil {
		r.logger.Error("Failed to record skipped run", zap.String("run_id", result.RunID), zap.Error(err))
	}
}

func (r *Recorder) UnitStarted(runID string, unit ExecutionUnit) {
	dbRunID, ok := r.RunID(runID)
	if !ok {
		return
	}
	u, err := r.store.CreateUnit(dbRunID, unit.Job.Name, string(unit.Platform))
	if err != nil {
		r.logger.Error("Failed to record unit", zap.String("unit", unit.ID()), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.units[runID+"/"+unit.ID()] = u.ID
	r.mu.Unlock()
}

func (r *Recorder) StepStarted(runID string, unit ExecutionUnit, step Step) {
	r.mu.Lock()
	dbRunID, okRun := r.runs[runID]
	unitID, okUnit := r.units[runID+"/"+unit.ID()]
	r.mu.Unlock()
	if !okRun || !okUnit {
		return
	}

	command := step.Run
	if step.Uses != "" {
		command = "uses: " + step.Uses
	}
	se, err := r.store.CreateStepExecution(dbRunID, unitID, step.Name, command)
	if err != nil {
		r.logger.Error("Failed to record step", zap.String("unit", unit.ID()), zap.String("step", step.Name), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.steps[runID+"/"+unit.ID()] = se
	r.mu.Unlock()
}

func (r *Recorder) StepFinished(runID string, unit ExecutionUnit, step Step, result StepResult) {
	key := runID + "/" + unit.ID()
	r.mu.Lock()
	se, ok := r.steps[key]
	delete(r.steps, key)
	r.mu.Unlock()
	if !ok {
		return
	}

	err := r.store.UpdateStepExecution(se.ID, storage.StepOutcome{
		Status:    string(result.Status),
		ExitCode:  result.ExitCode,
		ErrorKind: ErrorKind(result.Err),
		Output:    result.Output,
		Duration:  result.Duration,
	})
	if err != nil {
		r.logger.Error("Failed to update step", zap.String("unit", unit.ID()), zap.String("step", step.Name), zap.Error(err))
	}
}

func (r *Recorder) UnitFinished(runID string, unit ExecutionUnit, result *UnitResult) {
	key := runID + "/" + unit.ID()
	r.mu.Lock()
	unitID, ok := r.units[key]
	delete(r.units, key)
	dbRunID, okRun := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		// units cancelled before they started never got a row
		if !okRun {
			return
		}
		u, err := r.store.CreateUnit(dbRunID, unit.Job.Name, string(unit.Platform))
		if err != nil {
			r.logger.Error("Failed to record unit", zap.String("unit", unit.ID()), zap.Error(err))
			return
		}
		unitID = u.ID
	}

	if err := r.store.UpdateUnitStatus(unitID, string(result.Status), result.Duration); err != nil {
		r.logger.Error("Failed to update unit", zap.String("unit", unit.ID()), zap.Error(err))
	}
}

func (r *Recorder) PipelineFinished(result *PipelineResult) {
	r.mu.Lock()
	id, ok := r.runs[result.RunID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.store.UpdateRunStatus(id, string(result.Status), result.Duration.Round(time.Millisecond)); err != nil {
		r.logger.Error("Failed to update run status", zap.String("run_id", result.RunID), zap.Error(err))
	}
}

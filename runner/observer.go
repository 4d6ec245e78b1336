package runner

import (
	"time"

	"go.uber.org/zap"
)

// Observer receives lifecycle callbacks while a pipeline runs. Unit and step
// callbacks arrive concurrently from different units, so implementations
// must be safe for concurrent use.
type Observer interface {
	PipelineStarted(result *PipelineResult, cfg *Config)
	PipelineSkipped(result *PipelineResult)
	StateChanged(runID string, state State)
	UnitStarted(runID string, unit ExecutionUnit)
	StepStarted(runID string, unit ExecutionUnit, step Step)
	StepFinished(runID string, unit ExecutionUnit, step Step, result StepResult)
	UnitFinished(runID string, unit ExecutionUnit, result *UnitResult)
	JobFinished(runID string, result *JobResult)
	PipelineFinished(result *PipelineResult)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) PipelineStarted(*PipelineResult, *Config)             {}
func (NopObserver) PipelineSkipped(*PipelineResult)                      {}
func (NopObserver) StateChanged(string, State)                           {}
func (NopObserver) UnitStarted(string, ExecutionUnit)                    {}
func (NopObserver) StepStarted(string, ExecutionUnit, Step)              {}
func (NopObserver) StepFinished(string, ExecutionUnit, Step, StepResult) {}
func (NopObserver) UnitFinished(string, ExecutionUnit, *UnitResult)      {}
func (NopObserver) JobFinished(string, *JobResult)                       {}
func (NopObserver) PipelineFinished(*PipelineResult)                     {}

// Observers fans callbacks out to several observers in order
type Observers []Observer

func (o Observers) PipelineStarted(result *PipelineResult, cfg *Config) {
	for _, obs := range o {
		obs.PipelineStarted(result, cfg)
	}
}

func (o Observers) PipelineSkipped(result *PipelineResult) {
	for _, obs := range o {
		obs.PipelineSkipped(result)
	}
}

func (o Observers) StateChanged(runID string, state State) {
	for _, obs := range o {
		obs.StateChanged(runID, state)
	}
}

func (o Observers) UnitStarted(runID string, unit ExecutionUnit) {
	for _, obs := range o {
		obs.UnitStarted(runID, unit)
	}
}

func (o Observers) StepStarted(runID string, unit ExecutionUnit, step Step) {
	for _, obs := range o {
		obs.StepStarted(runID, unit, step)
	}
}

func (o Observers) StepFinished(runID string, unit ExecutionUnit, step Step, result StepResult) {
	for _, obs := range o {
		obs.StepFinished(runID, unit, step, result)
	}
}

func (o Observers) UnitFinished(runID string, unit ExecutionUnit, result *UnitResult) {
	for _, obs := range o {
		obs.UnitFinished(runID, unit, result)
	}
}

func (o Observers) JobFinished(runID string, result *JobResult) {
	for _, obs := range o {
		obs.JobFinished(runID, result)
	}
}

func (o Observers) PipelineFinished(result *PipelineResult) {
	for _, obs := range o {
		obs.PipelineFinished(result)
	}
}

// LogObserver writes lifecycle events to a zap logger
type LogObserver struct {
	NopObserver
	Logger *zap.Logger
}

// NewLogObserver creates an observer that logs through logger
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{Logger: logger}
}

func (l *LogObserver) PipelineStarted(result *PipelineResult, cfg *Config) {
	l.Logger.Info("Pipeline started",
		zap.String("run_id", result.RunID),
		zap.String("pipeline", cfg.Name),
		zap.Stringer("trigger", result.Trigger),
		zap.Int("jobs", len(result.Order)))
}

func (l *LogObserver) PipelineSkipped(result *PipelineResult) {
	l.Logger.Info("Pipeline skipped, trigger does not match",
		zap.String("run_id", result.RunID),
		zap.Stringer("trigger", result.Trigger))
}

func (l *LogObserver) StateChanged(runID string, state State) {
	l.Logger.Debug("Pipeline state changed", zap.String("run_id", runID), zap.String("state", string(state)))
}

func (l *LogObserver) UnitStarted(runID string, unit ExecutionUnit) {
	l.Logger.Debug("Unit started",
		zap.String("run_id", runID),
		zap.String("job", unit.Job.Name),
		zap.String("platform", string(unit.Platform)))
}

func (l *LogObserver) StepFinished(runID string, unit ExecutionUnit, step Step, result StepResult) {
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("job", unit.Job.Name),
		zap.String("platform", string(unit.Platform)),
		zap.String("step", step.Name),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration),
	}
	if result.Err != nil {
		l.Logger.Warn("Step failed", append(fields, zap.String("kind", ErrorKind(result.Err)), zap.Error(result.Err))...)
		return
	}
	l.Logger.Debug("Step finished", fields...)
}

func (l *LogObserver) UnitFinished(runID string, unit ExecutionUnit, result *UnitResult) {
	l.Logger.Info("Unit finished",
		zap.String("run_id", runID),
		zap.String("job", unit.Job.Name),
		zap.String("platform", string(unit.Platform)),
		zap.String("status", string(result.Status)),
		zap.Int("steps", len(result.Steps)),
		zap.Duration("duration", result.Duration.Round(time.Millisecond)))
}

func (l *LogObserver) PipelineFinished(result *PipelineResult) {
	l.Logger.Info("Pipeline finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration.Round(time.Millisecond)))
}

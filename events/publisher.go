package events

import (
	"time"

	"matrixgo/runner"
)

// Publisher forwards pipeline lifecycle callbacks to a broker
type Publisher struct {
	runner.NopObserver
	broker  *EventBroker
	project string
}

// NewPublisher creates an observer broadcasting on b for project
func NewPublisher(b *EventBroker, project string) *Publisher {
	return &Publisher{broker: b, project: project}
}

func (p *Publisher) PipelineStarted(result *runner.PipelineResult, cfg *runner.Config) {
	p.broker.Broadcast("run_started", map[string]interface{}{
		"run_id":  result.RunID,
		"project": p.project,
		"trigger": result.Trigger,
		"jobs":    result.Order,
	})
}

func (p *Publisher) PipelineSkipped(result *runner.PipelineResult) {
	p.broker.Broadcast("run_skipped", map[string]interface{}{
		"run_id":  result.RunID,
		"project": p.project,
		"trigger": result.Trigger,
	})
}

func (p *Publisher) StateChanged(runID string, state runner.State) {
	p.broker.Broadcast("run_state", map[string]interface{}{
		"run_id": runID,
		"state":  state,
	})
}

func (p *Publisher) UnitStarted(runID string, unit runner.ExecutionUnit) {
	p.broker.Broadcast("unit_started", map[string]interface{}{
		"run_id":   runID,
		"job":      unit.Job.Name,
		"platform": unit.Platform,
	})
}

func (p *Publisher) StepFinished(runID string, unit runner.ExecutionUnit, step runner.Step, result runner.StepResult) {
	data := map[string]interface{}{
		"run_id":    runID,
		"job":       unit.Job.Name,
		"platform":  unit.Platform,
		"step":      step.Name,
		"status":    result.Status,
		"exit_code": result.ExitCode,
		"duration":  result.Duration.Round(time.Millisecond).String(),
	}
	if result.Err != nil {
		data["error"] = result.Err.Error()
		data["error_kind"] = runner.ErrorKind(result.Err)
	}
	p.broker.Broadcast("step_finished", data)
}

func (p *Publisher) UnitFinished(runID string, unit runner.ExecutionUnit, result *runner.UnitResult) {
	p.broker.Broadcast("unit_finished", map[string]interface{}{
		"run_id":   runID,
		"job":      unit.Job.Name,
		"platform": unit.Platform,
		"status":   result.Status,
		"steps":    len(result.Steps),
	})
}

func (p *Publisher) PipelineFinished(result *runner.PipelineResult) {
	p.broker.Broadcast("run_finished", map[string]interface{}{
		"run_id":   result.RunID,
		"project":  p.project,
		"status":   result.Status,
		"duration": result.Duration.Round(time.Millisecond).String(),
	})
}

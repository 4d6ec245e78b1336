package runner

import (
	"fmt"
	"time"
)

// Status is the outcome of a step, unit, job or pipeline
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// EventKind identifies what caused a pipeline invocation
type EventKind string

const (
	EventPullRequest EventKind = "pull_request"
	EventPush        EventKind = "push"
)

// Trigger is the event a pipeline run is evaluated against
type Trigger struct {
	Event  EventKind `json:"event"`
	Branch string    `json:"branch,omitempty"`
}

// PullRequest returns a pull-request trigger
func PullRequest() Trigger {
	return Trigger{Event: EventPullRequest}
}

// Push returns a push-to-branch trigger
func Push(branch string) Trigger {
	return Trigger{Event: EventPush, Branch: branch}
}

func (t Trigger) String() string {
	if t.Event == EventPush {
		return fmt.Sprintf("push(%s)", t.Branch)
	}
	return string(t.Event)
}

// ParseTrigger builds a trigger from CLI or API input
func ParseTrigger(event, branch string) (Trigger, error) {
	switch EventKind(event) {
	case EventPullRequest:
		return PullRequest(), nil
	case EventPush:
		if branch == "" {
			return Trigger{}, fmt.Errorf("push trigger requires a branch")
		}
		return Push(branch), nil
	default:
		return Trigger{}, fmt.Errorf("unknown event %q (expected %q or %q)", event, EventPullRequest, EventPush)
	}
}

// Platform is an opaque target label such as linux, macos or windows
type Platform string

// ExecutionUnit pairs a job with one of its platforms
type ExecutionUnit struct {
	Job      *Job
	Platform Platform
	Index    int
}

// ID returns the job/platform label of the unit
func (u ExecutionUnit) ID() string {
	return u.Job.Name + "/" + string(u.Platform)
}

// StepResult represents the result of executing a single step
type StepResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Passed reports whether the step succeeded
func (s StepResult) Passed() bool {
	return s.Status == StatusSuccess
}

// UnitResult is the outcome of one execution unit
type UnitResult struct {
	Platform Platform      `json:"platform"`
	Status   Status        `json:"status"`
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether every step of the unit ran and succeeded
func (u *UnitResult) Passed() bool {
	return u.Status == StatusSuccess
}

// FailedStep returns the step that stopped the unit, if any
func (u *UnitResult) FailedStep() *StepResult {
	for i := range u.Steps {
		if !u.Steps[i].Passed() {
			return &u.Steps[i]
		}
	}
	return nil
}

// JobResult aggregates the units of one job
type JobResult struct {
	Name     string                   `json:"name"`
	Status   Status                   `json:"status"`
	Units    map[Platform]*UnitResult `json:"units"`
	Order    []Platform               `json:"order"`
	Duration time.Duration            `json:"duration"`
}

// Passed reports whether all units of the job passed
func (j *JobResult) Passed() bool {
	return j.Status == StatusSuccess
}

// State is the lifecycle position of a pipeline run
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// PipelineResult represents the result of running a pipeline
type PipelineResult struct {
	RunID    string                `json:"run_id"`
	Trigger  Trigger               `json:"trigger"`
	Status   Status                `json:"status"`
	State    State                 `json:"state"`
	Jobs     map[string]*JobResult `json:"jobs"`
	Order    []string              `json:"order"`
	Duration time.Duration         `json:"duration"`
}

// Passed reports the overall verdict. A skipped pipeline passes vacuously.
func (p *PipelineResult) Passed() bool {
	return p.Status == StatusSuccess || p.Status == StatusSkipped
}

// Skipped reports whether the trigger did not activate the pipeline
func (p *PipelineResult) Skipped() bool {
	return p.Status == StatusSkipped
}

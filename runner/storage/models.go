package storage

import "time"

// Run represents one pipeline invocation
type Run struct {
	ID          int        `json:"id"`
	UUID        string     `json:"uuid"`
	Status      string     `json:"status"` // "running", "success", "failed", "skipped"
	ProjectName string     `json:"project_name"`
	ConfigPath  string     `json:"config_path"`
	Event       string     `json:"event"`
	Branch      string     `json:"branch,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Duration    *string    `json:"duration,omitempty"`
}

// Unit represents one job/platform execution unit of a run
type Unit struct {
	ID         int        `json:"id"`
	RunID      int        `json:"run_id"`
	Job        string     `json:"job"`
	Platform   string     `json:"platform"`
	Status     string     `json:"status"` // "running", "success", "failed", "cancelled"
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
}

// StepExecution represents execution of a single step
type StepExecution struct {
	ID         int        `json:"id"`
	RunID      int        `json:"run_id"`
	UnitID     int        `json:"unit_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"` // "running", "success", "failed", "cancelled"
	Command    string     `json:"command"`
	ExitCode   int        `json:"exit_code"`
	ErrorKind  string     `json:"error_kind,omitempty"` // "execution" or "failure"
	Output     string     `json:"output"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
}

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateStepExecution creates a new step execution record
func (s *Storage) CreateStepExecution(runID, unitID int, name, command string) (*StepExecution, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO step_executions (run_id, unit_id, name, status, command, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		runID, unitID, name, "running", command, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step execution: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get step execution ID: %w", err)
	}

	return &StepExecution{
		ID:        int(id),
		RunID:     runID,
		UnitID:    unitID,
		Name:      name,
		Status:    "running",
		Command:   command,
		StartedAt: now,
	}, nil
}

// StepOutcome is what a finished step reports back to storage
type StepOutcome struct {
	Status    string
	ExitCode  int
	ErrorKind string
	Output    string
	Duration  time.Duration
}

// UpdateStepExecution updates step execution with output, status, and finish time
func (s *Storage) UpdateStepExecution(stepID int, outcome StepOutcome) error {
	now := time.Now()
	_, err := s.db.Exec(
		"UPDATE step_executions SET status = ?, exit_code = ?, error_kind = ?, output = ?, finished_at = ?, duration = ? WHERE id = ?",
		outcome.Status, outcome.ExitCode, outcome.ErrorKind, outcome.Output, now, outcome.Duration.String(), stepID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	return nil
}

// GetStepExecutions retrieves all step executions for a run
func (s *Storage) GetStepExecutions(runID int) ([]*StepExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, unit_id, name, status, command, exit_code, error_kind, output, started_at, finished_at, duration
		FROM step_executions WHERE run_id = ? ORDER BY unit_id ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	steps := make([]*StepExecution, 0)
	for rows.Next() {
		var step StepExecution
		var output sql.NullString
		var finishedAt sql.NullTime
		var duration sql.NullString

		err := rows.Scan(&step.ID, &step.RunID, &step.UnitID, &step.Name, &step.Status, &step.Command, &step.ExitCode, &step.ErrorKind, &output, &step.StartedAt, &finishedAt, &duration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		if output.Valid {
			step.Output = output.String
		}
		if finishedAt.Valid {
			step.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			step.Duration = &durationStr
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const runColumns = "id, uuid, status, project_name, config_path, event, branch, started_at, finished_at, duration"

// ErrRunNotFound is returned when no run matches the lookup
var ErrRunNotFound = fmt.Errorf("run not found")

// CreateRun creates a new run record
func (s *Storage) CreateRun(uuid, projectName, configPath, event, branch string) (*Run, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO runs (uuid, status, project_name, config_path, event, branch, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid, "running", projectName, configPath, event, branch, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run ID: %w", err)
	}

	return &Run{
		ID:          int(id),
		UUID:        uuid,
		Status:      "running",
		ProjectName: projectName,
		ConfigPath:  configPath,
		Event:       event,
		Branch:      branch,
		StartedAt:   now,
	}, nil
}

// UpdateRunStatus updates the status and finish time of a run
func (s *Storage) UpdateRunStatus(runID int, status string, duration time.Duration) error {
	now := time.Now()
	durationStr := duration.String()
	_, err := s.db.Exec(
		"UPDATE runs SET status = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, now, durationStr, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// GetRuns retrieves all runs, ordered by most recent first
func (s *Storage) GetRuns(limit int) ([]*Run, error) {
	return s.queryRuns("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
}

// GetProjectRuns retrieves the most recent runs of one project
func (s *Storage) GetProjectRuns(projectName string, limit int) ([]*Run, error) {
	return s.queryRuns("SELECT "+runColumns+" FROM runs WHERE project_name = ? ORDER BY started_at DESC, id DESC LIMIT ?", projectName, limit)
}

// GetRun retrieves a single run by ID
func (s *Storage) GetRun(runID int) (*Run, error) {
	return s.getRun("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
}

// GetRunByUUID retrieves a single run by its UUID
func (s *Storage) GetRunByUUID(uuid string) (*Run, error) {
	return s.getRun("SELECT "+runColumns+" FROM runs WHERE uuid = ?", uuid)
}

func (s *Storage) getRun(query string, arg interface{}) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(query, arg))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *Storage) queryRuns(query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var duration sql.NullString

	err := row.Scan(&r.ID, &r.UUID, &r.Status, &r.ProjectName, &r.ConfigPath, &r.Event, &r.Branch, &r.StartedAt, &finishedAt, &duration)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		r.Duration = &durationStr
	}
	return &r, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateUnit creates a new execution unit record
func (s *Storage) CreateUnit(runID int, job, platform string) (*Unit, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO units (run_id, job, platform, status, started_at) VALUES (?, ?, ?, ?, ?)",
		runID, job, platform, "running", now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get unit ID: %w", err)
	}

	return &Unit{
		ID:        int(id),
		RunID:     runID,
		Job:       job,
		Platform:  platform,
		Status:    "running",
		StartedAt: now,
	}, nil
}

// UpdateUnitStatus updates the status and finish time of a unit
func (s *Storage) UpdateUnitStatus(unitID int, status string, duration time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		"UPDATE units SET status = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, now, duration.String(), unitID,
	)
	if err != nil {
		return fmt.Errorf("failed to update unit status: %w", err)
	}
	return nil
}

// GetUnits retrieves the units of a run in creation order
func (s *Storage) GetUnits(runID int) ([]*Unit, error) {
	rows, err := s.db.Query(
		"SELECT id, run_id, job, platform, status, started_at, finished_at, duration FROM units WHERE run_id = ? ORDER BY id ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	units := make([]*Unit, 0)
	for rows.Next() {
		var u Unit
		var finishedAt sql.NullTime
		var duration sql.NullString

		if err := rows.Scan(&u.ID, &u.RunID, &u.Job, &u.Platform, &u.Status, &u.StartedAt, &finishedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		if finishedAt.Valid {
			u.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			u.Duration = &durationStr
		}
		units = append(units, &u)
	}

	return units, rows.Err()
}

package storage

import (
	"database/sql"
	"fmt"
)

// UnitRunStats is one recent outcome of a job on a platform
type UnitRunStats struct {
	Job       string  `json:"job"`
	Platform  string  `json:"platform"`
	RunID     int     `json:"run_id"`
	Status    string  `json:"status"`
	Duration  *string `json:"duration,omitempty"`
	StartedAt string  `json:"started_at"`
	StepCount int     `json:"step_count"`
}

// GetLatestRunsByUnit returns the latest outcomes for each job/platform pair of a project
func (s *Storage) GetLatestRunsByUnit(projectName string, limit int) ([]UnitRunStats, error) {
	// Simple query without window functions for better SQLite compatibility
	query := `
		SELECT
			u.job,
			u.platform,
			u.run_id,
			u.status,
			u.duration,
			u.started_at,
			COUNT(se.id) as step_count
		FROM units u
		JOIN runs r ON r.id = u.run_id
		LEFT JOIN step_executions se ON u.id = se.unit_id
		WHERE r.project_name = ?
		GROUP BY u.id, u.job, u.platform, u.run_id, u.status, u.duration, u.started_at
		ORDER BY u.job, u.platform, u.started_at DESC, u.id DESC
	`

	rows, err := s.db.Query(query, projectName)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}
	defer rows.Close()

	// Limit runs per job/platform
	unitCounts := make(map[string]int)
	stats := make([]UnitRunStats, 0)

	for rows.Next() {
		var stat UnitRunStats
		var duration sql.NullString

		err := rows.Scan(
			&stat.Job,
			&stat.Platform,
			&stat.RunID,
			&stat.Status,
			&duration,
			&stat.StartedAt,
			&stat.StepCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}

		unitKey := stat.Job + "/" + stat.Platform
		if unitCounts[unitKey] >= limit {
			continue
		}
		unitCounts[unitKey]++

		if duration.Valid {
			durationStr := duration.String
			stat.Duration = &durationStr
		}

		stats = append(stats, stat)
	}

	return stats, rows.Err()
}

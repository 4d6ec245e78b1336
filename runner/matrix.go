package runner

// Expand turns a job's platform list into execution units, one per platform,
// in declaration order.
func Expand(job *Job) ([]ExecutionUnit, error) {
	return ExpandFiltered(job, nil)
}

// ExpandFiltered is Expand restricted to the given platforms. A nil or empty
// filter keeps every platform.
func ExpandFiltered(job *Job, only []Platform) ([]ExecutionUnit, error) {
	if job == nil {
		return nil, configErrorf("job is nil")
	}
	if len(job.Platforms) == 0 {
		return nil, configErrorf("job '%s' declares no platforms", job.Name)
	}

	keep := make(map[Platform]bool, len(only))
	for _, p := range only {
		keep[p] = true
	}

	seen := make(map[Platform]bool, len(job.Platforms))
	units := make([]ExecutionUnit, 0, len(job.Platforms))
	for _, p := range job.Platforms {
		if seen[p] {
			return nil, configErrorf("job '%s' lists platform '%s' twice", job.Name, p)
		}
		seen[p] = true

		if len(keep) > 0 && !keep[p] {
			continue
		}
		units = append(units, ExecutionUnit{Job: job, Platform: p, Index: len(units)})
	}
	return units, nil
}

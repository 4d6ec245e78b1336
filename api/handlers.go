package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"matrixgo/runner"
	"matrixgo/runner/storage"
)

const defaultRunLimit = 100

// RunDetail is a run with its units and their steps
type RunDetail struct {
	Run   *storage.Run  `json:"run"`
	Units []*UnitDetail `json:"units"`
}

// UnitDetail is a unit with its steps in execution order
type UnitDetail struct {
	*storage.Unit
	Steps []*storage.StepExecution `json:"steps"`
}

type runRequest struct {
	ConfigPath string   `json:"config_path"`
	Event      string   `json:"event"`
	Branch     string   `json:"branch"`
	Jobs       []string `json:"jobs"`
	Platforms  []string `json:"platforms"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultRunLimit
}

// GetRuns returns recent runs, optionally for one project
func (s *Server) GetRuns(w http.ResponseWriter, r *http.Request) {
	var runs []*storage.Run
	var err error
	if project := r.URL.Query().Get("project"); project != "" {
		runs, err = s.Store.GetProjectRuns(project, limitParam(r))
	} else {
		runs, err = s.Store.GetRuns(limitParam(r))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get runs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// lookupRun accepts a numeric ID or a run UUID
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*storage.Run, bool) {
	id := chi.URLParam(r, "id")
	var run *storage.Run
	var err error
	if n, convErr := strconv.Atoi(id); convErr == nil {
		run, err = s.Store.GetRun(n)
	} else {
		run, err = s.Store.GetRunByUUID(id)
	}
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return run, true
}

// GetRun returns a single run with its units and steps
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	detail, err := LoadRunDetail(s.Store, run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// LoadRunDetail assembles a run with its units and steps
func LoadRunDetail(store *storage.Storage, run *storage.Run) (*RunDetail, error) {
	units, err := store.GetUnits(run.ID)
	if err != nil {
		return nil, err
	}
	steps, err := store.GetStepExecutions(run.ID)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{Run: run, Units: make([]*UnitDetail, 0, len(units))}
	byID := make(map[int]*UnitDetail, len(units))
	for _, u := range units {
		ud := &UnitDetail{Unit: u, Steps: []*storage.StepExecution{}}
		byID[u.ID] = ud
		detail.Units = append(detail.Units, ud)
	}
	for _, step := range steps {
		if ud, ok := byID[step.UnitID]; ok {
			ud.Steps = append(ud.Steps, step)
		}
	}
	return detail, nil
}

// GetRunStatus returns just the status of a run (lightweight for polling)
func (s *Server) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     run.ID,
		"uuid":   run.UUID,
		"status": run.Status,
	})
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (*runRequest, runner.Trigger, bool) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
			return nil, runner.Trigger{}, false
		}
	}
	if req.Event == "" {
		req.Event = string(runner.EventPush)
		if req.Branch == "" {
			req.Branch = "main"
		}
	}
	trigger, err := runner.ParseTrigger(req.Event, req.Branch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, runner.Trigger{}, false
	}
	return &req, trigger, true
}

func platforms(names []string) []runner.Platform {
	out := make([]runner.Platform, 0, len(names))
	for _, n := range names {
		out = append(out, runner.Platform(n))
	}
	return out
}

func (s *Server) launch(w http.ResponseWriter, req LaunchRequest) {
	runID, err := s.Launcher.Launch(req)
	if err != nil {
		status := http.StatusInternalServerError
		if runner.IsConfigurationError(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	s.Logger.Info("Pipeline triggered",
		zap.String("run_id", runID),
		zap.String("project", req.Project),
		zap.Stringer("trigger", req.Trigger))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":  runID,
		"status":  "starting",
		"message": "Pipeline started",
	})
}

// PostRun triggers a new pipeline run from a config path
func (s *Server) PostRun(w http.ResponseWriter, r *http.Request) {
	req, trigger, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}
	if req.ConfigPath == "" {
		writeError(w, http.StatusBadRequest, "config_path is required")
		return
	}

	// Make path absolute if relative
	configPath := req.ConfigPath
	if !filepath.IsAbs(configPath) {
		cwd, err := os.Getwd()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get working directory: "+err.Error())
			return
		}
		configPath = filepath.Join(cwd, configPath)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "Config file not found: "+configPath)
		return
	}

	s.launch(w, LaunchRequest{
		ConfigPath: configPath,
		Project:    filepath.Base(filepath.Dir(configPath)),
		Trigger:    trigger,
		Jobs:       req.Jobs,
		Platforms:  platforms(req.Platforms),
	})
}

// ProjectResponse is a project with its validation state
type ProjectResponse struct {
	runner.Project
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// GetProjects returns all configured projects
func (s *Server) GetProjects(w http.ResponseWriter, r *http.Request) {
	all := s.Projects.Projects()
	projects := make([]ProjectResponse, 0, len(all))
	for _, project := range all {
		pr := ProjectResponse{Project: project, Valid: true}
		if err := project.Validate(s.Projects.BaseDir()); err != nil {
			pr.Valid = false
			pr.Error = err.Error()
		}
		projects = append(projects, pr)
	}
	writeJSON(w, http.StatusOK, projects)
}

// GetProjectRuns returns runs for a specific project
func (s *Server) GetProjectRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	runs, err := s.Store.GetProjectRuns(name, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get runs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// PostProjectRun triggers a pipeline run for a specific project
func (s *Server) PostProjectRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	project, err := s.Projects.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Project not found: "+err.Error())
		return
	}
	if err := project.Validate(s.Projects.BaseDir()); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid project: "+err.Error())
		return
	}

	req, trigger, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	s.launch(w, LaunchRequest{
		ConfigPath: project.ConfigPath(s.Projects.BaseDir()),
		Project:    project.Name,
		Trigger:    trigger,
		Jobs:       req.Jobs,
		Platforms:  platforms(req.Platforms),
	})
}

// GetProjectStats returns the latest outcomes per job/platform for a project
func (s *Server) GetProjectStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Latest 5 outcomes per job/platform
	stats, err := s.Store.GetLatestRunsByUnit(name, 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get project stats: "+err.Error())
		return
	}

	// Add placeholders for declared units that never ran
	if project, err := s.Projects.Get(name); err == nil {
		if cfg, err := runner.LoadConfig(project.ConfigPath(s.Projects.BaseDir())); err == nil {
			seen := make(map[string]bool)
			for _, stat := range stats {
				seen[stat.Job+"/"+stat.Platform] = true
			}
			for _, job := range cfg.Jobs {
				for _, p := range job.Platforms {
					if !seen[job.Name+"/"+string(p)] {
						stats = append(stats, storage.UnitRunStats{Job: job.Name, Platform: string(p)})
					}
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

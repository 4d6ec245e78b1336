package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"matrixgo/events"
	"matrixgo/runner"
	"matrixgo/runner/storage"
)

// Launcher starts pipeline runs on behalf of the API. Launch validates the
// pipeline file, starts the run in the background and returns its ID.
type Launcher interface {
	Launch(req LaunchRequest) (string, error)
}

// LaunchRequest describes a run to start
type LaunchRequest struct {
	ConfigPath string
	Project    string
	Trigger    runner.Trigger
	Jobs       []string
	Platforms  []runner.Platform
}

// Server bundles what the handlers need
type Server struct {
	Store    *storage.Storage
	Projects *runner.ProjectRegistry
	Broker   *events.EventBroker
	Launcher Launcher
	Logger   *zap.Logger
	// AllowedOrigins lists browser origins that may call the API from another
	// site. Empty allows same-origin callers only.
	AllowedOrigins []string
}

// NewRouter builds the HTTP API
func NewRouter(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Broker == nil {
		s.Broker = events.GetBroker()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}
	r.Use(originGuard(s.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.GetRuns)
		r.Post("/runs", s.PostRun)
		r.Get("/runs/{id}", s.GetRun)
		r.Get("/runs/{id}/status", s.GetRunStatus)

		r.Get("/projects", s.GetProjects)
		r.Get("/projects/{name}/runs", s.GetProjectRuns)
		r.Post("/projects/{name}/runs", s.PostProjectRun)
		r.Get("/projects/{name}/stats", s.GetProjectStats)

		r.Get("/events", SSEHandler(s.Broker))
	})

	return r
}

// originGuard rejects state-changing requests sent by pages on other origins.
// Browsers send simple cross-site POSTs without a preflight, so CORS headers
// alone do not stop them.
func originGuard(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" || sameHost(origin, r.Host) || originAllowed(origin, allowed) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusForbidden, "origin not allowed")
		})
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host == host
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

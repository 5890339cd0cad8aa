package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (Ping, SELECT 1).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive confirms the process is alive. Always 200, with
// version info and the age of the loaded schema catalog.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	}
	if s.Registry != nil {
		snap := s.Registry.Current()
		body["schema_fingerprint"] = snap.Fingerprint
		body["schema_loaded_at"] = snap.LoadedAt.UTC().Format(time.RFC3339)
		body["datasets"] = len(snap.Datasets())
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleHealthReady checks the database and returns 200 when every
// dependency answers, 503 otherwise.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]CheckResult{}
	ready := true

	if s.DBHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.DBHealth.HealthCheck(ctx); err != nil {
			checks["database"] = CheckResult{Status: "error", Error: err.Error()}
			ready = false
		} else {
			checks["database"] = CheckResult{Status: "ok"}
		}
	}

	resp := ReadinessResponse{Status: "ready", Checks: checks}
	status := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// healthTimeout bounds the metadata store ping behind GET /health and each
// dependency check behind GET /health/ready.
const healthTimeout = 2 * time.Second

// Build-time version information, set via -ldflags:
//
//	go build -ldflags "-X github.com/skua-data/skua/internal/api.Version=1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (Ping, SELECT 1).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealth reports overall health: 200 when the metadata store answers a
// ping within the timeout, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DBHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.DBHealth.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealthLive is a lightweight liveness probe. Always 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks all configured dependencies concurrently and
// returns 200 when every one answers, 503 when any is down.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.CacheHealth != nil {
		checkers["redis"] = s.CacheHealth
	}

	checks := make(map[string]CheckResult, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()

			res := CheckResult{Status: "ok"}
			if err := c.HealthCheck(ctx); err != nil {
				res = CheckResult{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			checks[name] = res
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	resp := ReadinessResponse{Status: "ready", Checks: checks}
	status := http.StatusOK
	for _, res := range checks {
		if res.Status != "ok" {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}

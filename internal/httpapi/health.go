package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// buildVersion, buildTime and gitCommit are overridden via -ldflags at
// build time; the zero values are what a `go run` debug build reports.
var (
	buildVersion = "dev"
	buildTime    = "unknown"
	gitCommit    = "unknown"
)

// HealthCheck is one dependency readiness probe registered on HealthHandler.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type healthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler serves the liveness/readiness/version probes.
type HealthHandler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// RegisterCheck adds a readiness probe, consulted by HandleReady.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth answers /health and /healthz — liveness only, no dependency
// checks, since a stalled backend connection shouldn't make the process
// look dead to its orchestrator.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleReady answers /ready and /readyz, running every registered check
// and reporting 503 if any fails.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := healthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]checkResult)}
	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := checkResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false
			h.logger.Warn("health check failed", zap.String("check", check.Name()), zap.Error(err), zap.Duration("latency", latency))
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion answers /version with the linker-injected build metadata.
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    buildVersion,
		"build_time": buildTime,
		"git_commit": gitCommit,
	})
}

// backendHealthCheck adapts an MCP backend connection's Connected() state
// (or any similar boolean reachability probe) into a HealthCheck.
type backendHealthCheck struct {
	name string
	ping func(ctx context.Context) error
}

func NewBackendHealthCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return &backendHealthCheck{name: name, ping: ping}
}

func (c *backendHealthCheck) Name() string                      { return c.name }
func (c *backendHealthCheck) Check(ctx context.Context) error { return c.ping(ctx) }

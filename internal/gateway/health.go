package gateway

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/flemzord/mcpexec/internal/sandbox"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status           string               `json:"status"` // "ok" or "degraded"
	Backends         []sandbox.Capability `json:"backends"`
	ActiveContainers int                  `json:"active_containers"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 if at least one backend is available, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:   "degraded",
			Backends: g.deps.Engine.Capabilities(),
		}
		for _, b := range resp.Backends {
			if b.Available {
				resp.Status = "ok"
				break
			}
		}
		if g.deps.ActiveContainers != nil {
			resp.ActiveContainers = g.deps.ActiveContainers()
		}

		status := http.StatusOK
		if resp.Status == "degraded" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Tools            int    `json:"tools"`
	PendingApprovals int    `json:"pending_approvals"`
	ActiveContainers int    `json:"active_containers"`
	Goroutines       int    `json:"goroutines"`
	AuditWriteErrors int64  `json:"audit_write_errors"`
}

// handleStatus returns an http.HandlerFunc for GET /api/status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Version:       g.deps.Version,
			UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
			Goroutines:    runtime.NumGoroutine(),
		}
		if g.deps.ToolCount != nil {
			resp.Tools = g.deps.ToolCount()
		}
		if g.deps.ActiveContainers != nil {
			resp.ActiveContainers = g.deps.ActiveContainers()
		}
		if gate := g.deps.Engine.Gate(); gate != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			pending, err := gate.Pending(ctx)
			cancel()
			if err == nil {
				resp.PendingApprovals = len(pending)
			}
		}
		if g.deps.Audit != nil {
			resp.AuditWriteErrors = g.deps.Audit.WriteErrors()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

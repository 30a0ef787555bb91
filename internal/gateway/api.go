package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
)

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Intent         string          `json:"intent"`
	Language       string          `json:"language,omitempty"`
	TimeoutMS      int             `json:"timeout_ms,omitempty"`
	MaxTools       int             `json:"max_tools,omitempty"`
	Sandbox        *sandbox.Config `json:"sandbox,omitempty"`
	SecurityTier   string          `json:"security_tier,omitempty"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	ApprovalWaitMS int             `json:"approval_wait_ms,omitempty"`
}

func (g *Gateway) handleExecute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := g.decodeJSON(w, r, &req); err != nil {
			return
		}
		if err := security.ValidateIntent(req.Intent); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var lang language.Language
		if req.Language != "" {
			var err error
			if lang, err = language.Parse(req.Language); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		var tier sandbox.Tier
		if req.SecurityTier != "" {
			var err error
			if tier, err = sandbox.ParseTier(req.SecurityTier); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		res := g.deps.Engine.Execute(r.Context(), req.Intent, lang, engine.Options{
			TimeoutMS:    req.TimeoutMS,
			Sandbox:      req.Sandbox,
			MaxTools:     req.MaxTools,
			Tier:         tier,
			ApprovalID:   req.ApprovalID,
			ApprovalWait: time.Duration(req.ApprovalWaitMS) * time.Millisecond,
		})
		writeJSON(w, resultStatus(res), res)
	}
}

// resultStatus maps a result to an HTTP status. The body always carries
// the full result.
func resultStatus(res engine.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case engine.KindApproval:
		if res.Approval != nil && res.Approval.Status == approval.StatusPending {
			return http.StatusAccepted
		}
		return http.StatusForbidden
	case engine.KindSecurity:
		return http.StatusForbidden
	case engine.KindConfig:
		return http.StatusBadRequest
	case engine.KindDiscovery, engine.KindSynthesis:
		return http.StatusUnprocessableEntity
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	}
	if res.Error == engine.MsgRateLimited {
		return http.StatusTooManyRequests
	}
	// A program that ran and failed is still a completed request.
	return http.StatusOK
}

// toolJSON is one search hit.
type toolJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Score       float64         `json:"score"`
	Matches     []matcher.Match `json:"matches,omitempty"`
}

func (g *Gateway) handleSearchTools() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		results, err := g.deps.Engine.Search(q, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out := make([]toolJSON, len(results))
		for i, res := range results {
			out[i] = toolJSON{
				Name:        res.Entry.Name,
				Description: res.Entry.Description,
				Category:    res.Entry.Category,
				Score:       res.Score,
				Matches:     res.Matches,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) handleListApprovals() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gate := g.deps.Engine.Gate()
		if gate == nil {
			writeError(w, http.StatusNotFound, "approvals are disabled")
			return
		}
		all, err := gate.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := approval.Status(r.URL.Query().Get("status"))
		out := make([]approval.Request, 0, len(all))
		for _, req := range all {
			if status == "" || req.Status == status {
				out = append(out, req)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) handleGetApproval() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gate := g.deps.Engine.Gate()
		if gate == nil {
			writeError(w, http.StatusNotFound, "approvals are disabled")
			return
		}
		req, err := gate.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// DecisionRequest is the body of the approve and reject routes.
type DecisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) handleDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gate := g.deps.Engine.Gate()
		if gate == nil {
			writeError(w, http.StatusNotFound, "approvals are disabled")
			return
		}
		var body DecisionRequest
		if err := g.decodeJSON(w, r, &body); err != nil {
			return
		}
		if body.Actor == "" {
			body.Actor = principalFrom(r.Context())
		}

		id := chi.URLParam(r, "id")
		var (
			changed bool
			err     error
		)
		if approve {
			changed, err = gate.Approve(r.Context(), id, body.Actor, body.Reason)
		} else {
			changed, err = gate.Reject(r.Context(), id, body.Actor, body.Reason)
		}
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		current, err := gate.Get(r.Context(), id)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		if !changed {
			writeError(w, http.StatusConflict, fmt.Sprintf("approval %s is already %s", id, current.Status))
			return
		}
		writeJSON(w, http.StatusOK, current)
	}
}

func (g *Gateway) handleCleanup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.Cleanup == nil {
			writeError(w, http.StatusNotFound, "container cleanup is disabled")
			return
		}
		report, err := g.deps.Cleanup.RunOnce(r.Context())
		if err != nil {
			g.logger.Warn("gateway: cleanup sweep reported failures", "error", err)
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.deps.Jobs == nil {
			writeError(w, http.StatusNotFound, "scheduler is disabled")
			return
		}
		writeJSON(w, http.StatusOK, g.deps.Jobs.Status())
	}
}

func (g *Gateway) handleRunJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.Jobs == nil {
			writeError(w, http.StatusNotFound, "scheduler is disabled")
			return
		}
		name := chi.URLParam(r, "name")
		err := g.deps.Jobs.Trigger(r.Context(), name)
		switch {
		case errors.Is(err, cron.ErrUnknownJob):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, cron.ErrJobRunning):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			g.logger.Warn("gateway: triggered job failed", "job", name, "error", err)
		}
		for _, st := range g.deps.Jobs.Status() {
			if st.Name == name {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
		writeError(w, http.StatusNotFound, "unknown job "+name)
	}
}

func (g *Gateway) handleListHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.History == nil {
			writeError(w, http.StatusNotFound, "history is disabled")
			return
		}
		q := r.URL.Query()
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since, err := timeParam(r, "since")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		recs, err := g.deps.History.Executions(r.Context(), history.ExecutionQuery{
			Failed: q.Get("failed") == "true",
			Kind:   q.Get("kind"),
			Since:  since,
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func (g *Gateway) handleGetHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.History == nil {
			writeError(w, http.StatusNotFound, "history is disabled")
			return
		}
		rec, err := g.deps.History.Execution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (g *Gateway) handleListEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.History == nil {
			writeError(w, http.StatusNotFound, "history is disabled")
			return
		}
		q := r.URL.Query()
		limit, err := intParam(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since, err := timeParam(r, "since")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		events, err := g.deps.History.Events(r.Context(), history.EventQuery{
			Type:      security.EventType(q.Get("type")),
			RequestID: q.Get("request_id"),
			Since:     since,
			Limit:     limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// handleGetConfig serves the redacted configuration snapshot.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.deps.Config == nil {
			writeError(w, http.StatusNotFound, "no configuration loaded")
			return
		}
		writeJSON(w, http.StatusOK, g.deps.Config)
	}
}

// decodeJSON reads a bounded body and decodes it into v. On failure it
// writes the error response and returns the error.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := security.DecodeJSON(r.Body, g.config.MaxBodyBytes, 0, v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, security.ErrBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
	return err
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrEmptyActor), errors.Is(err, approval.ErrEmptyReason):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 or a Go duration meaning "that long ago".
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC 3339 or a duration", name)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package daemon

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/observability"
)

// EnsureResponse is the body of a successful ensure request.
type EnsureResponse struct {
	TaskRunID    string `json:"taskRunId"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BaseBranch   string `json:"baseBranch"`
	Version      int64  `json:"version"`
}

// PendingEntry describes one in-flight ensure.
type PendingEntry struct {
	TaskRunID string `json:"taskRunId"`
	Waiters   int    `json:"waiters"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Handler returns the daemon's HTTP routes.
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(panicRecoveryMiddleware)

	r.Post("/v1/task-runs/{id}/worktree", d.handleEnsure)
	r.Get("/v1/pending", d.handlePending)
	r.Get("/healthz", d.handleHealth)

	cfg := d.GetConfig()
	if d.opts.MetricsHandler != nil && cfg.Monitoring.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Monitoring.Metrics.Path, d.opts.MetricsHandler)
	}
	return r
}

func (d *Daemon) handleEnsure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	team := r.URL.Query().Get("team")
	res, err := d.opts.Ensurer.Ensure(r.Context(), id, team)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := EnsureResponse{
		TaskRunID:    id,
		WorktreePath: res.WorktreePath,
		BranchName:   res.BranchName,
		BaseBranch:   res.BaseBranch,
	}
	if res.Run != nil {
		body.Version = res.Run.Version
	}
	writeJSON(w, http.StatusOK, body)
}

func (d *Daemon) handlePending(w http.ResponseWriter, _ *http.Request) {
	ids := d.opts.Ensurer.Pending()
	entries := make([]PendingEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, PendingEntry{TaskRunID: id, Waiters: d.opts.Ensurer.Waiters(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": entries})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := perrors.HTTPStatusFor(err)
	body := ErrorResponse{Error: err.Error()}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
		body.Error = "ensure still in progress; retry to join it"
	default:
		if pe, ok := perrors.AsProvision(err); ok {
			body.Error = pe.Message
			body.Category = string(pe.Category)
			if s, ok := pe.Context["stderr"].(string); ok {
				body.Stderr = s
			}
		}
	}
	if status >= http.StatusInternalServerError {
		observability.ErrorContext(r.Context(), "Request failed", logfields.Error(err))
	} else {
		observability.WarnContext(r.Context(), "Request rejected", logfields.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", logfields.Error(err))
	}
}

package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskRunID  = "task_run_id"
	KeyTaskID     = "task_id"
	KeyTeamScope  = "team_scope"
	KeyRepo       = "repository"
	KeyProject    = "project"
	KeyBranch     = "branch"
	KeyBaseBranch = "base_branch"
	KeyPath       = "path"
	KeyOrigin     = "origin_path"
	KeyMode       = "mode"
	KeyOperation  = "operation"
	KeyURL        = "url"
	KeyAttempt    = "attempt"
	KeyDurationMS = "duration_ms"
	KeyCount      = "count"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskRunID(id string) slog.Attr   { return slog.String(KeyTaskRunID, id) }
func TaskID(id string) slog.Attr      { return slog.String(KeyTaskID, id) }
func TeamScope(s string) slog.Attr    { return slog.String(KeyTeamScope, s) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Project(p string) slog.Attr      { return slog.String(KeyProject, p) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func BaseBranch(b string) slog.Attr   { return slog.String(KeyBaseBranch, b) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Origin(p string) slog.Attr       { return slog.String(KeyOrigin, p) }
func Mode(m string) slog.Attr         { return slog.String(KeyMode, m) }
func Operation(op string) slog.Attr   { return slog.String(KeyOperation, op) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

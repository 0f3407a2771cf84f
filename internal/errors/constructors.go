package errors

import "strings"

// Convenience functions for the provisioning error taxonomy.

// ConfigurationError reports a setup problem the user has to fix (missing
// project name, no local source for codex-style worktrees, ...). The message
// is shown verbatim, so it must be actionable.
func ConfigurationError(message string) *ProvisionError {
	return New(CategoryConfig, SeverityFatal, message)
}

// GitOperationError reports a failed git subprocess in the critical path.
// The subprocess stderr is attached so callers can diagnose without server logs.
func GitOperationError(operation, stderr string, cause error) *ProvisionError {
	msg := "git " + operation + " failed"
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return Wrap(cause, CategoryGit, SeverityFatal, msg).
		WithContext("operation", operation).
		WithContext("stderr", strings.TrimSpace(stderr))
}

// PersistenceError reports a record store mutation that exhausted its retries.
func PersistenceError(operation string, cause error) *ProvisionError {
	return Wrap(cause, CategoryPersistence, SeverityFatal, "record store update failed").
		WithContext("operation", operation)
}

// NotFound reports a missing record of kind identified by id.
func NotFound(kind, id string) *ProvisionError {
	return New(CategoryNotFound, SeverityError, kind+" not found").
		WithContext("kind", kind).
		WithContext("id", id)
}

// ValidationFailed reports input rejected before any side effect. reason is
// shown to the caller next to the offending field.
func ValidationFailed(field, reason string) *ProvisionError {
	return New(CategoryValidation, SeverityFatal, "validation failed: "+field+": "+reason).
		WithContext("field", field).
		WithContext("reason", reason)
}

// WorkspaceError reports a failed filesystem operation on a worktree or its
// parent directories.
func WorkspaceError(operation string, cause error) *ProvisionError {
	return Wrap(cause, CategoryFileSystem, SeverityFatal, "workspace operation failed").
		WithContext("operation", operation)
}

// Internal errors

func InternalError(message string, cause error) *ProvisionError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}

package metrics

import "time"

// OutcomeLabel enumerates results for ensure and provisioning counters.
type OutcomeLabel string

const (
	OutcomeCreated  OutcomeLabel = "created"
	OutcomeReused   OutcomeLabel = "reused"
	OutcomeRepaired OutcomeLabel = "repaired"
	OutcomeSuccess  OutcomeLabel = "success"
	OutcomeFailed   OutcomeLabel = "failed"
	OutcomeSkipped  OutcomeLabel = "skipped"
)

// Recorder defines observability hooks for worktree operations.
// Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveEnsureDuration(d time.Duration, outcome OutcomeLabel)
	IncEnsureCoalesced()
	SetEnsureInFlight(n int)
	IncProvision(mode string, outcome OutcomeLabel)
	IncBestEffortFailure(operation string)
	IncReaped(outcome OutcomeLabel)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveEnsureDuration(time.Duration, OutcomeLabel) {}
func (NoopRecorder) IncEnsureCoalesced()                               {}
func (NoopRecorder) SetEnsureInFlight(int)                             {}
func (NoopRecorder) IncProvision(string, OutcomeLabel)                 {}
func (NoopRecorder) IncBestEffortFailure(string)                       {}
func (NoopRecorder) IncReaped(OutcomeLabel)                            {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}

package observability

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/worktreed/internal/logfields"
)

// Span times one operation and logs its outcome at debug level when ended.
type Span struct {
	ctx   context.Context
	name  string
	start time.Time
}

// StartSpan records the operation name on the context and starts timing it.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx = WithOperation(ctx, name)
	return ctx, &Span{ctx: ctx, name: name, start: time.Now()}
}

// End logs the span duration; a non-nil err is attached. It returns the elapsed time.
func (s *Span) End(err error) time.Duration {
	if s == nil {
		return 0
	}
	elapsed := time.Since(s.start)
	attrs := []slog.Attr{logfields.DurationMS(float64(elapsed.Microseconds()) / 1000)}
	if err != nil {
		attrs = append(attrs, logfields.Error(err))
	}
	DebugContext(s.ctx, "span ended", attrs...)
	return elapsed
}

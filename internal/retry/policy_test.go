package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.home.luguber.info/inful/worktreed/internal/config"
)

var errBusy = errors.New("busy")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != config.RetryBackoffExponential { t.Fatalf("expected exponential default mode got %s", p.Mode) }
	if p.Initial != 10*time.Millisecond { t.Fatalf("expected initial 10ms got %v", p.Initial) }
	if p.MaxRetries != 5 { t.Fatalf("expected max retries 5 got %d", p.MaxRetries) }
	if err := p.Validate(); err != nil { t.Fatalf("default policy invalid: %v", err) }
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, 5*time.Second, 2*time.Second, 7)
	if p.Initial != 2*time.Second { t.Fatalf("expected clamped initial 2s got %v", p.Initial) }
	if p.Mode != config.RetryBackoffFixed { t.Fatalf("expected fixed mode got %s", p.Mode) }
	if p.MaxRetries != 7 { t.Fatalf("expected maxRetries 7 got %d", p.MaxRetries) }

	unknown := NewPolicy("quadratic", 0, 0, -1)
	if unknown.Mode != config.RetryBackoffExponential { t.Fatalf("unknown mode should keep default, got %s", unknown.Mode) }
	if unknown.MaxRetries != 5 { t.Fatalf("negative retries should keep default, got %d", unknown.MaxRetries) }
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{Backoff: config.RetryBackoffLinear, InitialDelay: "20ms", MaxDelay: "50ms", MaxRetries: 3})
	if p.Mode != config.RetryBackoffLinear || p.Initial != 20*time.Millisecond || p.Max != 50*time.Millisecond || p.MaxRetries != 3 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

// TestDelayModes ensures fixed, linear, exponential behave and respect cap.
func TestDelayModes(t *testing.T) {
	fixed := NewPolicy(config.RetryBackoffFixed, 100*time.Millisecond, 500*time.Millisecond, 3)
	for i := 1; i <= 3; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond { t.Fatalf("fixed attempt %d expected 100ms got %v", i, d) }
	}

	linear := NewPolicy(config.RetryBackoffLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	cases := []struct { attempt int; want time.Duration }{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want { t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got) }
	}

	exp := NewPolicy(config.RetryBackoffExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	expCases := []struct { attempt int; want time.Duration }{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {64, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want { t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got) }
	}
	if d := exp.Delay(0); d != 0 { t.Fatalf("attempt 0 expected 0 got %v", d) }
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 3)
	calls := 0
	err := p.Do(context.Background(), isBusy, func(int) error {
		calls++
		if calls < 3 { return errBusy }
		return nil
	})
	if err != nil { t.Fatalf("expected success got %v", err) }
	if calls != 3 { t.Fatalf("expected 3 calls got %d", calls) }
}

func TestDoExhaustsBudget(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2)
	calls := 0
	err := p.Do(context.Background(), isBusy, func(int) error { calls++; return errBusy })
	if !errors.Is(err, errBusy) { t.Fatalf("expected errBusy got %v", err) }
	if calls != 3 { t.Fatalf("expected first call plus 2 retries, got %d", calls) }
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := DefaultPolicy()
	fatal := errors.New("fatal")
	calls := 0
	err := p.Do(context.Background(), isBusy, func(int) error { calls++; return fatal })
	if !errors.Is(err, fatal) || calls != 1 { t.Fatalf("expected single fatal call, got %d %v", calls, err) }
}

func TestDoHonoursCancellation(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, time.Hour, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, isBusy, func(int) error { cancel(); return errBusy })
	if !errors.Is(err, context.Canceled) { t.Fatalf("expected context.Canceled got %v", err) }
}

package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "worktreed"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	ensureDuration *prom.HistogramVec
	ensureCoalesce prom.Counter
	ensureInFlight prom.Gauge
	provisions     *prom.CounterVec
	bestEffort     *prom.CounterVec
	reaped         *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		ensureDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "ensure_duration_seconds",
			Help:      "Duration of task-run worktree ensure executions",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"}),
		ensureCoalesce: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "ensure_coalesced_total",
			Help:      "Ensure calls that joined an in-flight execution",
		}),
		ensureInFlight: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "ensure_in_flight",
			Help:      "Task runs currently being ensured",
		}),
		provisions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provisioning outcomes by worktree mode",
		}, []string{"mode", "outcome"}),
		bestEffort: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Failures of non-critical operations that were logged and ignored",
		}, []string{"operation"}),
		reaped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_worktrees_total",
			Help:      "Worktrees considered by the reaper by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(pr.ensureDuration, pr.ensureCoalesce, pr.ensureInFlight, pr.provisions, pr.bestEffort, pr.reaped)
	return pr
}

func (p *PrometheusRecorder) ObserveEnsureDuration(d time.Duration, outcome OutcomeLabel) {
	if p == nil {
		return
	}
	p.ensureDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncEnsureCoalesced() {
	if p == nil {
		return
	}
	p.ensureCoalesce.Inc()
}

func (p *PrometheusRecorder) SetEnsureInFlight(n int) {
	if p == nil {
		return
	}
	p.ensureInFlight.Set(float64(n))
}

func (p *PrometheusRecorder) IncProvision(mode string, outcome OutcomeLabel) {
	if p == nil {
		return
	}
	p.provisions.WithLabelValues(mode, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncBestEffortFailure(operation string) {
	if p == nil {
		return
	}
	p.bestEffort.WithLabelValues(operation).Inc()
}

func (p *PrometheusRecorder) IncReaped(outcome OutcomeLabel) {
	if p == nil {
		return
	}
	p.reaped.WithLabelValues(string(outcome)).Inc()
}

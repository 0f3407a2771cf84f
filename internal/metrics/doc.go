// Package metrics records provisioning and ensure metrics.
//
// Components receive a Recorder through dependency injection. NoopRecorder is
// the default so callers never need nil checks; the daemon swaps in a
// PrometheusRecorder when monitoring.metrics.enabled is set:
//
//	reg := prometheus.NewRegistry()
//	rec := metrics.NewPrometheusRecorder(reg)
//	ensurer := ensure.New(deps, ensure.WithRecorder(rec))
//	mux.Handle("/metrics", metrics.HTTPHandler(reg))
package metrics

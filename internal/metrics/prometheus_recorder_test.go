package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveEnsureDuration(150*time.Millisecond, OutcomeSuccess)
	pr.IncEnsureCoalesced()
	pr.IncEnsureCoalesced()
	pr.SetEnsureInFlight(3)
	pr.IncProvision("legacy", OutcomeCreated)
	pr.IncProvision("codex-style", OutcomeReused)
	pr.IncBestEffortFailure("register_worktree")
	pr.IncReaped(OutcomeSkipped)

	require.InDelta(t, 2, testutil.ToFloat64(pr.ensureCoalesce), 0)
	require.InDelta(t, 3, testutil.ToFloat64(pr.ensureInFlight), 0)
	require.InDelta(t, 1, testutil.ToFloat64(pr.provisions.WithLabelValues("legacy", "created")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(pr.bestEffort.WithLabelValues("register_worktree")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(pr.reaped.WithLabelValues("skipped")), 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncEnsureCoalesced()
	pr.SetEnsureInFlight(1)
	pr.IncProvision("legacy", OutcomeFailed)
}

func TestOrNoop(t *testing.T) {
	require.Equal(t, NoopRecorder{}, OrNoop(nil))
	pr := NewPrometheusRecorder(nil)
	require.Same(t, pr, OrNoop(pr))
}

func TestHTTPHandlerServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncProvision("legacy", OutcomeCreated)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "worktreed_provision_total"))
}

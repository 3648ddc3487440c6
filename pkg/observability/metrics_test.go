package observability_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := observability.NewRecorder(reg)

	rec.TransitionApplied(domain.EventSubmit, domain.StatusSubmitted)
	rec.TransitionApplied(domain.EventSubmit, domain.StatusSubmitted)
	rec.TransitionRejected(domain.EventClose, domain.ReasonMissingDiagnosis)
	rec.ConflictRetried(domain.EventOpenForReview)
	rec.DispatchFailed()
	rec.ObserveInference("primary", "success", 2*time.Second)
	rec.ObserveJob("ok", time.Second)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	srv := httptest.NewServer(observability.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := observability.NewRecorder(reg)

	rec.DispatchFailed()
	rec.DispatchFailed()

	expected := `
# HELP medflow_dispatch_failures_total Submitted sessions that could not be queued.
# TYPE medflow_dispatch_failures_total counter
medflow_dispatch_failures_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "medflow_dispatch_failures_total"))
}

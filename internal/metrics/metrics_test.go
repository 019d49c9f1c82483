package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRun(OutcomePassed)
	m.RecordRun(OutcomeFailed)
	m.RecordRun(OutcomeFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomePassed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeRetained)))
}

func TestObservePhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePhase("deploy", time.Now().Add(-time.Second), nil)
	m.ObservePhase("await", time.Now(), errors.New("timeout"))

	assert.Equal(t, 2, testutil.CollectAndCount(m.PhaseDuration))

	expected := `
# HELP apptest_failure_action_errors_total Total number of failure actions that did not complete
# TYPE apptest_failure_action_errors_total counter
apptest_failure_action_errors_total 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "apptest_failure_action_errors_total"))
}

func TestPush(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRun(OutcomePassed)

	require.NoError(t, m.Push(context.Background(), srv.URL, "HelloIT"))
	assert.Equal(t, "/metrics/job/apptest/unit/HelloIT", path)
}

func TestPush_NotGatherable(t *testing.T) {
	m := NewMetrics(prometheus.WrapRegistererWithPrefix("x_", prometheus.NewRegistry()))
	assert.Error(t, m.Push(context.Background(), "http://localhost", "HelloIT"))
}

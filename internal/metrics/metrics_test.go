package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/queries", "/api/queries"},
		{"/api/queries/0c9adf0e-9d4c-41de-9a9f-9e08b0b7a7f8", "/api/queries/:id"},
		{"/api/runs/0c9adf0e-9d4c-41de-9a9f-9e08b0b7a7f8/result", "/api/runs/:id/result"},
		{"/api/dashboards/42/tiles/7", "/api/dashboards/:id/tiles/:id"},
		{"/health", "/health"},
		{"/", "/"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), tt.in)
	}
}

func TestObserveHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHTTPRequest("GET", "/api/queries", 200, 15*time.Millisecond)
	m.ObserveHTTPRequest("GET", "/api/queries", 200, 5*time.Millisecond)
	m.ObserveHTTPRequest("POST", "/api/queries", 422, time.Millisecond)

	count := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/queries", "200"))
	assert.Equal(t, 2.0, count)
	count = testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/queries", "422"))
	assert.Equal(t, 1.0, count)
}

func TestInFlightGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	done1 := m.HTTPInFlightInc()
	done2 := m.HTTPInFlightInc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpInFlight))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))

	stop := m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsInFlight))
	stop()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsInFlight))
}

func TestRunAndScheduleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRun("completed", 2*time.Second)
	m.ObserveRun("failed", time.Second)
	m.ObserveRun("completed", time.Second)
	m.IncScheduleFire("fired")
	m.IncResultCache("hit")
	m.IncResultCache("miss")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduleFires.WithLabelValues("fired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resultCache.WithLabelValues("hit")))
}

func TestNewTwiceOnSameRegistryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.IncScheduleFire("fired")
	b.IncScheduleFire("fired")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.scheduleFires.WithLabelValues("fired")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
		m.HTTPInFlightInc()()
		m.ObserveRun("completed", time.Second)
		m.RunStarted()()
		m.IncScheduleFire("fired")
		m.IncResultCache("bypass")
	})
}

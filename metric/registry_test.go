package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflows/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
	registry.CoreMetrics().NATSConnected.Set(1)
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "A test counter",
	}, []string{"status"})

	require.NoError(t, registry.RegisterCounterVec("test", "counter", vec))
	vec.WithLabelValues("ok").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter_total" {
			found = true
		}
	}
	assert.True(t, found, "counter should be gathered")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "gauge", gauge))

	err := registry.RegisterGauge("svc", "gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("svc", "other", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus-level conflict is invalid")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "h_seconds", Help: "h"}, []string{"op"})
	require.NoError(t, registry.RegisterHistogramVec("svc", "h", hist))

	assert.True(t, registry.Unregister("svc", "h"))
	assert.False(t, registry.Unregister("svc", "h"))
	require.NoError(t, registry.RegisterHistogramVec("svc", "h", hist))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().BuildInfo.WithLabelValues("test").Set(1)

	srv := httptest.NewServer(NewServer(0, "", registry).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "nodeflows_build_info")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(0, "/metrics", NewMetricsRegistry())

	require.NoError(t, s.Start())
	assert.NotEmpty(t, s.Address())
	require.Error(t, s.Start())

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Address())
	require.NoError(t, s.Stop(context.Background()))
}

func TestServer_HandleReplacesHealth(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	s.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

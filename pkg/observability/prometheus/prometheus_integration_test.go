package prometheus_test

import (
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestPrometheusMetrics(t *testing.T) {
	metrics := prometheus.GetMetrics()

	metrics.RecordHTTPRequest("GET", "/stats", "2xx", 100*time.Millisecond)
	metrics.UpdateDatabasePool(1, 0, 1, 0)
	metrics.RecordDatabaseQuery("insert", 5*time.Millisecond)

	counter := metrics.Counter("custom_events_total", "Total custom events", "type")
	counter.WithLabelValues("test").Inc()

	gauge := metrics.Gauge("custom_gauge", "Custom gauge", "label")
	gauge.WithLabelValues("test").Set(42.0)

	// same name returns the same collector instead of a duplicate registration
	assert.Same(t, counter, metrics.Counter("custom_events_total", "Total custom events", "type"))
	assert.Panics(t, func() { metrics.Gauge("custom_events_total", "clash", "type") })

	hist := metrics.Histogram("custom_latency_seconds", "Custom latency", nil)
	hist.WithLabelValues().Observe(0.2)
	assert.Same(t, hist, metrics.Histogram("custom_latency_seconds", "Custom latency", nil))
}

func value(t *testing.T, m promclient.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.Gauge.GetValue()
	}
	return out.Counter.GetValue()
}

func TestPoolMetrics(t *testing.T) {
	m := prometheus.NewMetrics(promclient.NewRegistry())

	m.UpdatePool("p1", 4, 3, 10, 7, true)
	m.RecordTask("p1", "success", 20*time.Millisecond)
	m.RecordTask("p1", "success", 30*time.Millisecond)
	m.RecordTask("p1", "crashed", time.Second)
	m.RecordUnitExit("p1", true)
	m.RecordRespawn("p1", false)
	m.RecordDegraded("p1")

	assert.Equal(t, 4.0, value(t, m.PoolSlots.WithLabelValues("p1")))
	assert.Equal(t, 3.0, value(t, m.PoolBusy.WithLabelValues("p1")))
	assert.Equal(t, 7.0, value(t, m.PoolPending.WithLabelValues("p1")))
	assert.Equal(t, 1.0, value(t, m.PoolAvailable.WithLabelValues("p1")))
	assert.Equal(t, 2.0, value(t, m.TasksTotal.WithLabelValues("p1", "success")))
	assert.Equal(t, 1.0, value(t, m.UnitExitsTotal.WithLabelValues("p1", "true")))
	assert.Equal(t, 1.0, value(t, m.RespawnsTotal.WithLabelValues("p1", "failed")))
	assert.Equal(t, 1.0, value(t, m.PoolDegraded.WithLabelValues("p1")))

	m.UpdatePool("p1", 0, 0, 0, 0, false)
	assert.Equal(t, 0.0, value(t, m.PoolAvailable.WithLabelValues("p1")))
}

func TestFastHTTPHandler(t *testing.T) {
	metrics := prometheus.GetMetrics()
	metrics.UpdatePool("scrape", 2, 1, 1, 0, true)

	handler := prometheus.FastHTTPMetricsMiddleware(metrics, prometheus.FastHTTPHandler())

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/metrics")
	handler(&ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.True(t, strings.Contains(body, `unitpool_pool_slots{pool="scrape",service="unitpool"} 2`), body)
	assert.Contains(t, body, "# TYPE unitpool_pool_slots gauge")
}

package prometheus

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "unitpool"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Pool metrics
	PoolSlots      *prometheus.GaugeVec
	PoolBusy       *prometheus.GaugeVec
	PoolQueued     *prometheus.GaugeVec
	PoolPending    *prometheus.GaugeVec
	PoolAvailable  *prometheus.GaugeVec
	PoolDegraded   *prometheus.CounterVec
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	UnitExitsTotal *prometheus.CounterVec
	RespawnsTotal  *prometheus.CounterVec

	// HTTP request metrics (status server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database pool metrics (index store)
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Counter
	DatabaseQueryDuration    *prometheus.HistogramVec

	registerer prometheus.Registerer

	// collectors created on demand by Counter, Gauge and Histogram
	customMu sync.Mutex
	custom   map[string]prometheus.Collector
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	m := &Metrics{
		PoolSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitpool_pool_slots",
				Help: "Number of live execution units",
			},
			[]string{"pool"},
		),
		PoolBusy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitpool_pool_busy_slots",
				Help: "Number of execution units running a task",
			},
			[]string{"pool"},
		),
		PoolQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitpool_pool_queued_tasks",
				Help: "Number of pending and in-flight tasks",
			},
			[]string{"pool"},
		),
		PoolPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitpool_pool_pending_tasks",
				Help: "Number of tasks waiting for an idle unit",
			},
			[]string{"pool"},
		),
		PoolAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitpool_pool_available",
				Help: "1 when the pool accepts submissions, 0 otherwise",
			},
			[]string{"pool"},
		),
		PoolDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitpool_pool_degraded_total",
				Help: "Number of times a pool entered degraded mode",
			},
			[]string{"pool"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitpool_tasks_total",
				Help: "Total number of settled tasks",
			},
			[]string{"pool", "outcome"}, // success, failure, fault, crashed, shutdown, rejected
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unitpool_task_duration_seconds",
				Help:    "Time from submission to settlement in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool", "outcome"},
		),
		UnitExitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitpool_unit_exits_total",
				Help: "Total number of unit exits",
			},
			[]string{"pool", "abnormal"},
		),
		RespawnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitpool_unit_respawns_total",
				Help: "Total number of respawn attempts",
			},
			[]string{"pool", "result"}, // ok, failed
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitpool_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unitpool_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		DatabaseConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "unitpool_database_connections_open",
				Help: "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "unitpool_database_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "unitpool_database_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "unitpool_database_connections_wait_total",
				Help: "Total number of database connection wait events",
			},
		),
		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unitpool_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"}, // operation: insert, commit, search
		),

		registerer: registerer,

		custom: make(map[string]prometheus.Collector),
	}

	return m
}

// UpdatePool sets the pool gauges from a stats snapshot
func (m *Metrics) UpdatePool(pool string, slots, busy, queued, pending int, available bool) {
	m.PoolSlots.WithLabelValues(pool).Set(float64(slots))
	m.PoolBusy.WithLabelValues(pool).Set(float64(busy))
	m.PoolQueued.WithLabelValues(pool).Set(float64(queued))
	m.PoolPending.WithLabelValues(pool).Set(float64(pending))
	if available {
		m.PoolAvailable.WithLabelValues(pool).Set(1)
	} else {
		m.PoolAvailable.WithLabelValues(pool).Set(0)
	}
}

// RecordDegraded counts a pool entering degraded mode
func (m *Metrics) RecordDegraded(pool string) {
	m.PoolDegraded.WithLabelValues(pool).Inc()
}

// RecordTask records a settled task
func (m *Metrics) RecordTask(pool, outcome string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(pool, outcome).Inc()
	m.TaskDuration.WithLabelValues(pool, outcome).Observe(duration.Seconds())
}

// RecordUnitExit records a unit leaving the pool
func (m *Metrics) RecordUnitExit(pool string, abnormal bool) {
	m.UnitExitsTotal.WithLabelValues(pool, strconv.FormatBool(abnormal)).Inc()
}

// RecordRespawn records a respawn attempt
func (m *Metrics) RecordRespawn(pool string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.RespawnsTotal.WithLabelValues(pool, result).Inc()
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// UpdateDatabasePool updates database pool metrics
func (m *Metrics) UpdateDatabasePool(open, idle, inUse int, waitCount int64) {
	m.DatabaseConnectionsOpen.Set(float64(open))
	m.DatabaseConnectionsIdle.Set(float64(idle))
	m.DatabaseConnectionsInUse.Set(float64(inUse))
	if waitCount > 0 {
		m.DatabaseConnectionsWait.Add(float64(waitCount))
	}
}

// RecordDatabaseQuery records a database query metric
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration) {
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// lazyVec returns the collector registered on m under name, creating it with
// mk on first use. Reusing a name with another collector type panics.
func lazyVec[V prometheus.Collector](m *Metrics, name string, mk func(promauto.Factory) V) V {
	m.customMu.Lock()
	defer m.customMu.Unlock()
	if c, ok := m.custom[name]; ok {
		v, ok := c.(V)
		if !ok {
			panic(fmt.Sprintf("metric %s is already registered as %T", name, c))
		}
		return v
	}
	v := mk(promauto.With(m.registerer))
	m.custom[name] = v
	return v
}

// Counter returns the counter vector called name, registering it on first use
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return lazyVec(m, name, func(f promauto.Factory) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	})
}

// Gauge returns the gauge vector called name, registering it on first use
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return lazyVec(m, name, func(f promauto.Factory) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	})
}

// Histogram returns the histogram vector called name, registering it on first
// use. Nil buckets select prometheus.DefBuckets.
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	return lazyVec(m, name, func(f promauto.Factory) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	})
}

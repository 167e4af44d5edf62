package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for MonetGate. Metrics are
// registered on the Collector's own Registry so repeated construction
// (config hot-reload, tests) never panics on double registration.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	queriesTotal       *prometheus.CounterVec
	serverHealth       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	healthCheckErrors  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monetgate_connections_active",
				Help: "Number of active connections per server",
			},
			[]string{"server", "database"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monetgate_connections_idle",
				Help: "Number of idle connections per server",
			},
			[]string{"server", "database"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monetgate_connections_total",
				Help: "Total number of connections per server",
			},
			[]string{"server", "database"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monetgate_connections_waiting",
				Help: "Number of goroutines waiting for a connection per server",
			},
			[]string{"server", "database"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monetgate_query_duration_seconds",
				Help:    "Duration of gateway queries in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"server", "database"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monetgate_queries_total",
				Help: "Total number of gateway queries per server",
			},
			[]string{"server", "status"},
		),
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monetgate_server_health",
				Help: "Health status of MonetDB server (1=healthy, 0=unhealthy)",
			},
			[]string{"server"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monetgate_pool_exhausted_total",
				Help: "Total number of times the pool was exhausted per server",
			},
			[]string{"server"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monetgate_health_check_errors_total",
				Help: "Total number of failed health checks per server",
			},
			[]string{"server"},
		),
	}

	c.Registry.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.queriesTotal,
		c.serverHealth,
		c.poolExhausted,
		c.healthCheckErrors,
	)

	return c
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened(server, database string) {
	c.connectionsActive.WithLabelValues(server, database).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed(server, database string) {
	c.connectionsActive.WithLabelValues(server, database).Dec()
}

// QueryDuration observes a query duration.
func (c *Collector) QueryDuration(server, database string, d time.Duration) {
	c.queryDuration.WithLabelValues(server, database).Observe(d.Seconds())
}

// QueryCompleted increments the query counter with an ok/error status.
func (c *Collector) QueryCompleted(server string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.queriesTotal.WithLabelValues(server, status).Inc()
}

// SetServerHealth sets the health gauge for a server.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(server).Set(val)
}

// HealthCheckError increments the failed health check counter.
func (c *Collector) HealthCheckError(server string) {
	c.healthCheckErrors.WithLabelValues(server).Inc()
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(server string) {
	c.poolExhausted.WithLabelValues(server).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(server, database string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(server, database).Set(float64(active))
	c.connectionsIdle.WithLabelValues(server, database).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(server, database).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(server, database).Set(float64(waiting))
}

// RemoveServer removes all metrics for a server.
func (c *Collector) RemoveServer(server string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"server": server})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.queriesTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.serverHealth.DeleteLabelValues(server)
	c.poolExhausted.DeleteLabelValues(server)
	c.healthCheckErrors.DeleteLabelValues(server)
}

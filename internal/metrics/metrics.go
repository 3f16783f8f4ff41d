package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for RiverDB.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	sessionDuration    *prometheus.HistogramVec
	databaseHealth     *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec
	replicaReadsTotal   *prometheus.CounterVec
	authCacheHitsTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riverdb_connections_active",
				Help: "Number of backend connections currently checked out per database",
			},
			[]string{"database"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riverdb_connections_idle",
				Help: "Number of idle pooled backend connections per database",
			},
			[]string{"database"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riverdb_connections_total",
				Help: "Total number of backend connections dialed per database",
			},
			[]string{"database"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riverdb_connections_waiting",
				Help: "Number of client sessions waiting for a backend connection per database",
			},
			[]string{"database"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riverdb_session_duration_seconds",
				Help:    "Duration of proxied client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"database"},
		),
		databaseHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riverdb_database_health",
				Help: "Health status of a configured database node (1=healthy, 0=unhealthy)",
			},
			[]string{"database", "role"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_pool_exhausted_total",
				Help: "Total number of times admission control rejected a session per database",
			},
			[]string{"database"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riverdb_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"database", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"database", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riverdb_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riverdb_acquire_duration_seconds",
				Help:    "Time waiting for ConnectionPool.Get()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_backend_resets_total",
				Help: "Backend DISCARD ALL reset results on return to the pool",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring a backend ROLLBACK",
			},
			[]string{"database"},
		),
		replicaReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_replica_reads_total",
				Help: "Sessions routed to a replica via round robin",
			},
			[]string{"database"},
		),
		authCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riverdb_auth_cache_hits_total",
				Help: "Authentication requests served from the cluster auth cache without a backend round trip",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.sessionDuration,
		c.databaseHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.replicaReadsTotal,
		c.authCacheHitsTotal,
	)

	return c
}

// SessionDuration observes a client session duration.
func (c *Collector) SessionDuration(database string, d time.Duration) {
	c.sessionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// SetDatabaseHealth sets the health gauge for a database node (role is "master" or "replica").
func (c *Collector) SetDatabaseHealth(database, role string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.databaseHealth.WithLabelValues(database, role).Set(val)
}

// PoolExhausted increments the admission-control rejection counter.
func (c *Collector) PoolExhausted(database string) {
	c.poolExhausted.WithLabelValues(database).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(database string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(database).Set(float64(active))
	c.connectionsIdle.WithLabelValues(database).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(database).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(database string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(database, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(database, errorType string) {
	c.healthCheckErrors.WithLabelValues(database, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database).Inc()
	c.transactionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(database string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// ReplicaRead increments the replica-routed session counter.
func (c *Collector) ReplicaRead(database string) {
	c.replicaReadsTotal.WithLabelValues(database).Inc()
}

// AuthCacheHit increments the authentication cache hit counter.
func (c *Collector) AuthCacheHit(database string) {
	c.authCacheHitsTotal.WithLabelValues(database).Inc()
}

// RemoveDatabase removes all metrics for a database that was dropped from config.
func (c *Collector) RemoveDatabase(database string) {
	c.connectionsActive.DeleteLabelValues(database)
	c.connectionsIdle.DeleteLabelValues(database)
	c.connectionsTotal.DeleteLabelValues(database)
	c.connectionsWaiting.DeleteLabelValues(database)
	c.sessionDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.databaseHealth.DeletePartialMatch(prometheus.Labels{"database": database})
	c.poolExhausted.DeleteLabelValues(database)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"database": database})
	c.transactionsTotal.DeleteLabelValues(database)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.dirtyDisconnects.DeleteLabelValues(database)
	c.replicaReadsTotal.DeleteLabelValues(database)
	c.authCacheHitsTotal.DeleteLabelValues(database)
}

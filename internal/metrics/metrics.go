// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "combinado"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerOperationsTotal counts committed wallet operations by kind.
	LedgerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Total committed ledger operations by kind.",
		},
		[]string{"kind"},
	)

	// TransitionsTotal counts committed status transitions by entity and target status.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total committed status transitions.",
		},
		[]string{"entity", "to"},
	)

	// ConversionsTotal counts pre-order to order conversions by result.
	ConversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Total conversion attempts by result.",
		},
		[]string{"result"},
	)

	// SettlementsTotal counts order settlements by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total order settlements by outcome.",
		},
		[]string{"outcome"},
	)

	// SweepItemsTotal counts entities processed by background sweeps.
	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Entities processed by background sweeps by job and result.",
		},
		[]string{"job", "result"},
	)

	// NotificationsTotal counts notification deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ReconciliationMismatches is the number of problems found by the last audit.
	ReconciliationMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_mismatches",
		Help:      "Mismatches found by the last ledger reconciliation run.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBTotalConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_total_connections",
		Help: "Number of connections in the pool.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle pool connections.",
	})
	DBAcquiredConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_acquired_connections",
		Help: "Number of pool connections currently in use.",
	})
	DBAcquireDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_acquire_duration_seconds_total",
		Help: "Total time spent waiting to acquire a connection.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerOperationsTotal,
		TransitionsTotal,
		ConversionsTotal,
		SettlementsTotal,
		SweepItemsTotal,
		NotificationsTotal,
		ReconciliationMismatches,
		ActiveWebSocketClients,
		DBTotalConnections,
		DBIdleConnections,
		DBAcquiredConnections,
		DBAcquireDuration,
		GoroutineCount,
	)
}

// Transition records a committed status change.
func Transition(entity, to string) {
	TransitionsTotal.WithLabelValues(entity, to).Inc()
}

// StartPoolStatsCollector periodically samples pgxpool stats and the
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
func StartPoolStatsCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pool.Stat()
			DBTotalConnections.Set(float64(stats.TotalConns()))
			DBIdleConnections.Set(float64(stats.IdleConns()))
			DBAcquiredConnections.Set(float64(stats.AcquiredConns()))
			DBAcquireDuration.Set(stats.AcquireDuration().Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

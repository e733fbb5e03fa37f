// Package metrics provides Prometheus instrumentation for the BookVault core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookvault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowOpsTotal counts custody state machine operations by action and outcome.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "escrow_operations_total",
			Help:      "Total escrow custody operations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// SagasTotal counts sagas by derived terminal status.
	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "sagas_total",
			Help:      "Total sagas by derived status.",
		},
		[]string{"status"},
	)

	// SagaComponentAttempts observes component execution attempts by type and result.
	SagaComponentAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "saga_component_attempts_total",
			Help:      "Saga component execution attempts by type and result.",
		},
		[]string{"type", "result"},
	)

	// RecoveryRunsTotal counts recovery plan executions by result.
	RecoveryRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "recovery_runs_total",
			Help:      "Recovery plan executions by result.",
		},
		[]string{"result"},
	)

	// DetectionSeverity tracks the severity of the most recent detection sweep.
	DetectionSeverity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookvault",
		Name:      "detection_severity",
		Help:      "Severity of the last detection sweep (0=none 1=low 2=medium 3=high 4=critical).",
	})

	// DisputesTotal counts disputes by resolution path.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "disputes_total",
			Help:      "Disputes by resolution path (automatic, mediated, admin, escalated).",
		},
		[]string{"path"},
	)

	// AuditFlushesTotal counts audit buffer flushes by result.
	AuditFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookvault",
			Name:      "audit_flushes_total",
			Help:      "Audit ledger buffer flushes by result.",
		},
		[]string{"result"},
	)

	// AuditBufferDepth tracks entries currently buffered in the audit ledger.
	AuditBufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookvault",
		Name:      "audit_buffer_depth",
		Help:      "Entries currently buffered awaiting flush.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookvault", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookvault", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookvault", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowOpsTotal,
		SagasTotal,
		SagaComponentAttempts,
		RecoveryRunsTotal,
		DetectionSeverity,
		DisputesTotal,
		AuditFlushesTotal,
		AuditBufferDepth,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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

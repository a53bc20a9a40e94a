// Package metrics provides Prometheus instrumentation for the payment
// verification engine.
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
			Namespace: "payguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BatchesTotal counts batch lifecycle transitions by resulting status.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "batches_total",
			Help:      "Total batch lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	// DecisionsTotal counts verification decisions by outcome and origin.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "decisions_total",
			Help:      "Total verification decisions by outcome and origin (human or system).",
		},
		[]string{"decision", "origin"},
	)

	// NotificationsTotal counts notification delivery attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks sessions currently open for verification.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payguard",
			Name:      "active_sessions",
			Help:      "Number of verification sessions currently active.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Fraud scoring metrics ---

	AssessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "assessments_total",
		Help:      "Total fraud assessments evaluated, by resulting risk level.",
	}, []string{"level"})

	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payguard",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores (0-100).",
		Buckets:   []float64{5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	IndicatorTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "indicator_triggers_total",
		Help:      "Total risk indicator triggers by indicator id.",
	}, []string{"indicator"})

	// --- Deadline metrics ---

	DeadlineWarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "deadline_warnings_total",
		Help:      "Total deadline reminders fired, by threshold hours.",
	}, []string{"threshold"})

	AutoResolutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "auto_resolutions_total",
		Help:      "Total sessions auto-resolved at deadline expiry.",
	})

	VerificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payguard",
		Name:      "verification_duration_seconds",
		Help:      "Time from session start to completion in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 14400, 86400, 259200, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BatchesTotal,
		DecisionsTotal,
		NotificationsTotal,
		ActiveSessions,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		AssessmentsTotal,
		RiskScore,
		IndicatorTriggersTotal,
		DeadlineWarningsTotal,
		AutoResolutionsTotal,
		VerificationDuration,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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

// Package metrics provides Prometheus instrumentation for the creditmeter service.
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
			Namespace: "creditmeter",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "creditmeter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ConsumptionsTotal counts consume calls by outcome.
	ConsumptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditmeter",
			Name:      "consumptions_total",
			Help:      "Total consume operations by result (ok, replay, rate_limited, insufficient_credits, user_limit, conflict, validation, error).",
		},
		[]string{"result"},
	)

	// CreditsConsumedTotal sums credits debited per feature.
	CreditsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditmeter",
			Name:      "credits_consumed_total",
			Help:      "Total credits consumed by feature.",
		},
		[]string{"feature"},
	)

	// RateLimitedTotal counts throttled requests by the window that tripped.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditmeter",
			Name:      "rate_limited_total",
			Help:      "Total requests denied by the rate limiter, by granularity.",
		},
		[]string{"granularity"},
	)

	// DebitConflictRetries counts conditional debits lost to a concurrent writer.
	DebitConflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Name:      "debit_conflict_retries_total",
		Help:      "Total debit attempts retried after a version conflict.",
	})

	// PurchasesTotal counts credit package purchases applied.
	PurchasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Name:      "purchases_total",
		Help:      "Total credit package purchases credited.",
	})

	// CreditsPurchasedTotal sums credits added through purchases (bonus included).
	CreditsPurchasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Name:      "credits_purchased_total",
		Help:      "Total credits added to purchased balances.",
	})

	// ResetsTotal counts monthly allowance resets applied.
	ResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Name:      "allowance_resets_total",
		Help:      "Total monthly allowance resets applied.",
	})

	// ResetSweepDuration observes how long one reset sweep takes.
	ResetSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creditmeter",
		Name:      "reset_sweep_duration_seconds",
		Help:      "Duration of one reset sweep over due workspaces.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "creditmeter",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditmeter", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConsumptionsTotal,
		CreditsConsumedTotal,
		RateLimitedTotal,
		DebitConflictRetries,
		PurchasesTotal,
		CreditsPurchasedTotal,
		ResetsTotal,
		ResetSweepDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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

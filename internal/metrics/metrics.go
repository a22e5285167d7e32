// Package metrics provides Prometheus instrumentation for the marketpay engine.
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
			Namespace: "marketpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RefundTransitionsTotal counts refund state transitions by new status.
	RefundTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "refund_transitions_total",
			Help:      "Total refund request transitions by resulting status.",
		},
		[]string{"status"},
	)

	// RefundEscalationsTotal counts forced seller-review timeout escalations.
	RefundEscalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "refund_escalations_total",
		Help:      "Total refunds escalated to admin review after seller timeout.",
	})

	// WalletOperationsTotal counts wallet ledger operations by type and result.
	WalletOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "wallet_operations_total",
			Help:      "Total wallet ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// InsufficientFundsTotal counts debits rejected for insufficient balance.
	InsufficientFundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "wallet_insufficient_funds_total",
		Help:      "Total wallet debits rejected for insufficient balance.",
	})

	// PayoutsReleasedTotal counts payouts released to sellers.
	PayoutsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "payouts_released_total",
		Help:      "Total payouts released to sellers.",
	})

	// PayoutsFailedTotal counts payouts that exhausted retries.
	PayoutsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "payouts_failed_total",
		Help:      "Total payouts marked failed after exhausting retries.",
	})

	// PayoutSplitMismatchTotal counts stored-vs-recomputed split disagreements.
	PayoutSplitMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "payout_split_mismatch_total",
		Help:      "Total payouts whose stored split disagreed with recomputation.",
	})

	// PayoutRunDuration observes full payout scheduler run duration.
	PayoutRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketpay",
		Name:      "payout_run_duration_seconds",
		Help:      "Duration of a full payout scheduler run in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// NotifyFailuresTotal counts fire-and-forget notification failures.
	NotifyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "notify_failures_total",
			Help:      "Total notification delivery failures by event type.",
		},
		[]string{"event"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RefundTransitionsTotal,
		RefundEscalationsTotal,
		WalletOperationsTotal,
		InsufficientFundsTotal,
		PayoutsReleasedTotal,
		PayoutsFailedTotal,
		PayoutSplitMismatchTotal,
		PayoutRunDuration,
		NotifyFailuresTotal,
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

// Package metrics provides Prometheus instrumentation for the multisig
// session coordinator.
package metrics

import (
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "multisig",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks non-terminal signing sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "multisig", Name: "active_sessions",
		Help: "Number of non-terminal signing sessions.",
	})
	// ActiveConnections tracks connected WebSocket clients.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "multisig", Name: "active_websocket_connections",
		Help: "Number of currently connected WebSocket clients.",
	})
	// SessionsCreated counts session creations.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "sessions_created_total",
		Help: "Total signing sessions created.",
	})
	// SessionsExpired counts sweep-driven expirations.
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "sessions_expired_total",
		Help: "Total sessions expired by the sweep timer.",
	})
	// ParticipantsJoined counts successful participant joins.
	ParticipantsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "participants_joined_total",
		Help: "Total participants admitted to sessions.",
	})
	// TransactionsInjected counts successful transaction injections.
	TransactionsInjected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "transactions_injected_total",
		Help: "Total frozen transactions injected into sessions.",
	})
	// SignaturesAccepted counts verified, recorded signatures.
	SignaturesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "signatures_accepted_total",
		Help: "Total signatures verified and counted.",
	})
	// SignaturesRejected counts rejections by reason code.
	SignaturesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig", Name: "signatures_rejected_total",
			Help: "Total signature submissions rejected, by reason.",
		},
		[]string{"reason"},
	)
	// Executions counts chain submissions by outcome.
	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multisig", Name: "executions_total",
			Help: "Total chain executions by outcome (completed, failed, expired).",
		},
		[]string{"outcome"},
	)
	// BroadcastsDropped counts subscribers evicted for overflowing their
	// outbound queue.
	BroadcastsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "multisig", Name: "broadcasts_dropped_total",
		Help: "Total subscribers dropped due to outbound backpressure.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "multisig", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveConnections,
		SessionsCreated,
		SessionsExpired,
		ParticipantsJoined,
		TransactionsInjected,
		SignaturesAccepted,
		SignaturesRejected,
		Executions,
		BroadcastsDropped,
		GoroutineCount,
	)
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
// It refreshes the goroutine gauge on each scrape.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
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

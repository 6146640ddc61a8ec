package prometheus

import (
	"leadsync-service/pkg/config"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook metrics
	WebhookRequestCounter    *prometheus.CounterVec
	ReconcileOutcomeCounter  *prometheus.CounterVec
	AuthFailureCounter       *prometheus.CounterVec
	IgnoredIdentityCounter   *prometheus.CounterVec
	BroadcastFailureCounter  prometheus.Counter
	LeadsCreatedCounter      prometheus.Counter

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
	APIErrorCounter          *prometheus.CounterVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	// Webhook metrics
	WebhookRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Total number of webhook deliveries received",
		},
		[]string{"provider"},
	)

	ReconcileOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Total number of reconciliation outcomes by action",
		},
		[]string{"provider", "action"},
	)

	AuthFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of webhook authentication failures",
		},
		[]string{"reason"},
	)

	IgnoredIdentityCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_identities_total",
			Help:      "Total number of messages ignored due to unsupported identities",
		},
		[]string{"provider"},
	)

	BroadcastFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_failures_total",
		Help:      "Total number of failed realtime broadcast attempts",
	})

	LeadsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leads_created_total",
		Help:      "Total number of leads created by the pipeline",
	})

	// Database operation metrics
	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Request metrics
	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	APIRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path"},
	)

	APIErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API errors",
		},
		[]string{"method", "path", "status"},
	)
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Track API request count
			APIRequestCounter.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
			}).Inc()

			// Process the request
			err := next(c)

			// Track request duration
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)
			RequestDurationHistogram.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": status,
			}).Observe(duration)

			// Track errors
			if c.Response().Status >= 400 {
				APIErrorCounter.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
					"status": status,
				}).Inc()
			}

			return err
		}
	}
}

// HandlerFunc returns a HTTP handler for metrics endpoint
func HandlerFunc() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// TrackDBOperation returns a function that tracks database operation duration
func TrackDBOperation(operation string) func(time.Time) {
	return func(startTime time.Time) {
		if DBOperationHistogram == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		DBOperationHistogram.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// RecordOutcome increments the reconcile outcome counter
func RecordOutcome(provider, action string) {
	if ReconcileOutcomeCounter == nil {
		return
	}
	ReconcileOutcomeCounter.With(prometheus.Labels{
		"provider": provider,
		"action":   action,
	}).Inc()
}

// RecordAuthFailure increments the auth failure counter
func RecordAuthFailure(reason string) {
	if AuthFailureCounter == nil {
		return
	}
	AuthFailureCounter.With(prometheus.Labels{"reason": reason}).Inc()
}

// RecordWebhookRequest increments the webhook delivery counter
func RecordWebhookRequest(provider string) {
	if WebhookRequestCounter == nil {
		return
	}
	WebhookRequestCounter.With(prometheus.Labels{"provider": provider}).Inc()
}

// RecordIgnoredIdentity increments the unsupported-identity counter
func RecordIgnoredIdentity(provider string) {
	if IgnoredIdentityCounter == nil {
		return
	}
	IgnoredIdentityCounter.With(prometheus.Labels{"provider": provider}).Inc()
}

// RecordLeadCreated increments the created-leads counter
func RecordLeadCreated() {
	if LeadsCreatedCounter == nil {
		return
	}
	LeadsCreatedCounter.Inc()
}

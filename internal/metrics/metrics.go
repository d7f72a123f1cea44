// Package metrics provides Prometheus instrumentation for the tenant fleet service.
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
			Namespace: "tenantfleet",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantfleet",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// InstanceTransitionsTotal counts instance status transitions.
	InstanceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "instance_transitions_total",
			Help:      "Total instance status transitions by target status and action.",
		},
		[]string{"to_status", "action"},
	)

	// LifecycleOperationsTotal counts lifecycle operations by outcome.
	LifecycleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "lifecycle_operations_total",
			Help:      "Total lifecycle operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// StepRetriesTotal counts retried provisioning steps.
	StepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "step_retries_total",
			Help:      "Total retries of individual lifecycle steps.",
		},
		[]string{"step"},
	)

	// RollbacksTotal counts compensating destructions by result.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "rollbacks_total",
			Help:      "Total compensating rollbacks by result.",
		},
		[]string{"result"},
	)

	// ProvisionDuration observes time from request to running.
	ProvisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tenantfleet",
		Name:      "provision_duration_seconds",
		Help:      "Time from provisioning request to running in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	})

	// PlatformCallsTotal counts orchestration platform calls by op and result.
	PlatformCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "platform_calls_total",
			Help:      "Total orchestration platform calls by operation and result kind.",
		},
		[]string{"op", "result"},
	)

	// PlatformCallDuration observes orchestration platform call latency.
	PlatformCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantfleet",
			Name:      "platform_call_duration_seconds",
			Help:      "Orchestration platform call duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"op"},
	)

	// DispatchQueueDepth tracks queued lifecycle jobs.
	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantfleet",
			Name:      "dispatch_queue_depth",
			Help:      "Number of lifecycle jobs waiting for a worker.",
		},
	)

	// ReconciledInstancesTotal counts instances resumed by the reconciler.
	ReconciledInstancesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tenantfleet",
		Name:      "reconciled_instances_total",
		Help:      "Total in-flight instances re-dispatched after a stall or restart.",
	})

	// EventsPublishedTotal counts lifecycle events by sink and result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "events_published_total",
			Help:      "Total instance events published by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// BillingEventsTotal counts billing webhook events by type and result.
	BillingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "billing_events_total",
			Help:      "Total billing webhook events by event type and result.",
		},
		[]string{"type", "result"},
	)

	// RateLimitedTotal counts rejected API requests by client kind.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantfleet",
			Name:      "rate_limited_requests_total",
			Help:      "Total API requests rejected by the rate limiter.",
		},
		[]string{"client"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantfleet",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantfleet", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InstanceTransitionsTotal,
		LifecycleOperationsTotal,
		StepRetriesTotal,
		RollbacksTotal,
		ProvisionDuration,
		PlatformCallsTotal,
		PlatformCallDuration,
		DispatchQueueDepth,
		ReconciledInstancesTotal,
		EventsPublishedTotal,
		BillingEventsTotal,
		RateLimitedTotal,
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

// Middleware returns a gin middleware that records request metrics under
// the route pattern. Requests that match no route share one label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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

// Package metrics defines the Prometheus instrumentation for the upload
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter metrics (monotonically increasing)
var (
	// SessionsCreatedTotal counts upload sessions created
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_sessions_created_total",
			Help: "Total number of upload sessions created",
		},
	)

	// SessionsCompletedTotal counts sessions whose assembly succeeded
	SessionsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_sessions_completed_total",
			Help: "Total number of upload sessions completed",
		},
	)

	// SessionsFailedTotal counts sessions whose assembly failed
	SessionsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_sessions_failed_total",
			Help: "Total number of upload sessions that failed assembly",
		},
	)

	// SessionsExpiredTotal counts sessions expired before completion
	SessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_sessions_expired_total",
			Help: "Total number of upload sessions expired before completion",
		},
	)

	// ChunksReceivedTotal counts individual chunks accepted, by outcome
	// (accepted, duplicate, rejected)
	ChunksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_chunks_received_total",
			Help: "Total number of chunk uploads processed",
		},
		[]string{"outcome"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ErrorsTotal counts application errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_errors_total",
			Help: "Total number of application errors",
		},
		[]string{"type"},
	)
)

// Histogram metrics (distributions)
var (
	// HTTPRequestDuration tracks HTTP request latency by method and path
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelvault_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// AssemblyDuration tracks how long chunk assembly takes
	AssemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reelvault_assembly_duration_seconds",
			Help:    "Chunk assembly duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// SessionSizeBytes tracks distribution of declared session sizes
	SessionSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "reelvault_session_size_bytes",
			Help: "Distribution of declared upload session sizes in bytes",
			Buckets: []float64{
				1048576,      // 1 MB
				10485760,     // 10 MB
				104857600,    // 100 MB
				1073741824,   // 1 GB
				10737418240,  // 10 GB
				107374182400, // 100 GB
			},
		},
	)
)

// Gauge metrics (current values)
var (
	// ActiveSessions is the number of sessions currently in "uploading"
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelvault_active_sessions",
			Help: "Number of upload sessions currently accepting chunks",
		},
	)

	// AssembliesInFlight is the number of assembly workers running
	AssembliesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelvault_assemblies_in_flight",
			Help: "Number of assembly workers currently running",
		},
	)

	// HealthStatus is a gauge representing current health status
	// Values: 0 = unhealthy, 1 = degraded, 2 = healthy
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelvault_health_status",
			Help: "Current health status (0=unhealthy, 1=degraded, 2=healthy)",
		},
	)
)

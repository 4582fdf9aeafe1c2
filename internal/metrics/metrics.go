// Package metrics provides Prometheus metrics for AlarmVault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "alarmvault"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Secure operation metrics
var (
	// OperationsTotal counts secure operations by operation and result.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Total secure operations",
		},
		[]string{"operation", "result"}, // result: ok or error kind
	)

	// OperationDuration tracks end-to-end secure operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Secure operation latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"operation"},
	)
)

// Rate limiter metrics
var (
	// RateLimitRejections counts rejected requests by escalation level.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total requests rejected by the rate limiter",
		},
		[]string{"level"},
	)

	// RateLimitBypassed counts checks skipped under an emergency bypass.
	RateLimitBypassed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "bypassed_total",
			Help:      "Total rate limit checks skipped by emergency bypass",
		},
	)
)

// Integrity metrics
var (
	// IntegrityCycles counts completed verification cycles.
	IntegrityCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "cycles_total",
			Help:      "Total integrity verification cycles",
		},
	)

	// TamperDetections counts records that failed verification.
	TamperDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "tamper_detected_total",
			Help:      "Total records detected as tampered",
		},
	)

	// Recoveries counts recovery attempts by result.
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "recoveries_total",
			Help:      "Total record recovery attempts",
		},
		[]string{"result"}, // recovered, quarantined
	)
)

// Backup metrics
var (
	// BackupSnapshotsCreated counts snapshots written by location.
	BackupSnapshotsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "snapshots_created_total",
			Help:      "Total backup snapshots written",
		},
		[]string{"location"},
	)

	// BackupVerifications counts snapshot verifications by result.
	BackupVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "verifications_total",
			Help:      "Total backup snapshot verifications",
		},
		[]string{"result"}, // verified, failed
	)

	// BackupRunDuration tracks full backup run latency.
	BackupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "run_duration_seconds",
			Help:      "Backup run latency in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
)

// Monitoring metrics
var (
	// EventsEmitted counts security events by type.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total security events written to the event log",
		},
		[]string{"type"},
	)

	// EventsDropped counts events a slow subscriber did not receive.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total security events dropped for full subscriber buffers",
		},
	)

	// AlertsRaised counts alerts by severity.
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitoring",
			Name:      "alerts_raised_total",
			Help:      "Total alerts raised",
		},
		[]string{"severity"},
	)

	// NotificationsSent counts alert notifications by notifier and result.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total alert notifications",
		},
		[]string{"notifier", "result"},
	)
)

// Auth metrics
var (
	// AuthAttemptsTotal counts authentication attempts.
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts",
		},
		[]string{"result"}, // success, failure, locked
	)

	// AccessDenials counts denied access checks by reason code.
	AccessDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "access_denied_total",
			Help:      "Total access checks denied",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks live access contexts.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "active_sessions",
			Help:      "Number of live access contexts",
		},
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

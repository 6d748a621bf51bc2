package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests        *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	rpcErrors          *prometheus.CounterVec

	notificationLatency prometheus.Histogram
	connectionsActive   prometheus.Gauge

	probeOutcomes *prometheus.CounterVec

	deviceStateChanges prometheus.Counter
	devicesKnown       prometheus.Gauge

	sessionsActive    prometheus.Gauge
	recordingsStarted prometheus.Counter

	retentionFilesDeleted prometheus.Counter
	retentionBytesFreed   prometheus.Counter
}

// New creates a fresh Metrics registry with gateway, monitor, session and
// retention metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	rpcRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "rpc_requests_total",
		Help:      "Count of JSON-RPC requests processed by the gateway",
	}, []string{"method", "code"})

	rpcRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camgate",
		Name:      "rpc_request_duration_seconds",
		Help:      "Server-side duration of JSON-RPC request dispatch",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method"})

	rpcErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "rpc_errors_total",
		Help:      "Count of JSON-RPC error responses by error code",
	}, []string{"code"})

	notificationLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "camgate",
		Name:      "notification_latency_seconds",
		Help:      "Latency from triggering event to notification enqueue",
		Buckets:   []float64{.001, .0025, .005, .01, .02, .05, .1},
	})

	connectionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "camgate",
		Name:      "ws_connections_active",
		Help:      "Number of currently open WebSocket connections",
	})

	probeOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "probe_outcomes_total",
		Help:      "Count of capability probe outcomes by result",
	}, []string{"outcome"})

	deviceStateChanges := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "device_state_changes_total",
		Help:      "Count of camera device state transitions applied",
	})

	devicesKnown := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "camgate",
		Name:      "devices_known",
		Help:      "Number of devices tracked by the monitor",
	})

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "camgate",
		Name:      "recording_sessions_active",
		Help:      "Number of recording sessions in a non-terminal state",
	})

	recordingsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "recordings_started_total",
		Help:      "Count of recording sessions started",
	})

	retentionFilesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "retention_files_deleted_total",
		Help:      "Count of files removed by retention cleanup",
	})

	retentionBytesFreed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camgate",
		Name:      "retention_bytes_freed_total",
		Help:      "Bytes reclaimed by retention cleanup",
	})

	registry.MustRegister(
		rpcRequests,
		rpcRequestDuration,
		rpcErrors,
		notificationLatency,
		connectionsActive,
		probeOutcomes,
		deviceStateChanges,
		devicesKnown,
		sessionsActive,
		recordingsStarted,
		retentionFilesDeleted,
		retentionBytesFreed,
	)

	return &Metrics{
		registry:              registry,
		rpcRequests:           rpcRequests,
		rpcRequestDuration:    rpcRequestDuration,
		rpcErrors:             rpcErrors,
		notificationLatency:   notificationLatency,
		connectionsActive:     connectionsActive,
		probeOutcomes:         probeOutcomes,
		deviceStateChanges:    deviceStateChanges,
		devicesKnown:          devicesKnown,
		sessionsActive:        sessionsActive,
		recordingsStarted:     recordingsStarted,
		retentionFilesDeleted: retentionFilesDeleted,
		retentionBytesFreed:   retentionBytesFreed,
	}
}

// ObserveRPC records a single dispatched JSON-RPC request. code is the
// JSON-RPC error code, or 0 for a successful response.
func (m *Metrics) ObserveRPC(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.With(prometheus.Labels{"method": method, "code": codeLabel(code)}).Inc()
	m.rpcRequestDuration.With(prometheus.Labels{"method": method}).Observe(duration.Seconds())
	if code != 0 {
		m.rpcErrors.With(prometheus.Labels{"code": codeLabel(code)}).Inc()
	}
}

// ObserveNotificationLatency records event-to-enqueue latency for one pushed
// notification.
func (m *Metrics) ObserveNotificationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.notificationLatency.Observe(d.Seconds())
}

// ConnOpened increments the active WebSocket connection gauge.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnClosed decrements the active WebSocket connection gauge.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// IncProbeOutcome counts one capability probe result. outcome is one of
// success, timeout, parse_error, absent, skipped.
func (m *Metrics) IncProbeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.probeOutcomes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// IncDeviceStateChange counts one applied device state transition.
func (m *Metrics) IncDeviceStateChange() {
	if m == nil {
		return
	}
	m.deviceStateChanges.Inc()
}

// SetDevicesKnown updates the tracked-device gauge.
func (m *Metrics) SetDevicesKnown(n int) {
	if m == nil {
		return
	}
	m.devicesKnown.Set(float64(n))
}

// SetSessionsActive updates the non-terminal session gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// IncRecordingStarted counts one started recording session.
func (m *Metrics) IncRecordingStarted() {
	if m == nil {
		return
	}
	m.recordingsStarted.Inc()
}

// ObserveRetentionRun records the result of one cleanup pass.
func (m *Metrics) ObserveRetentionRun(filesDeleted int, bytesFreed int64) {
	if m == nil {
		return
	}
	m.retentionFilesDeleted.Add(float64(filesDeleted))
	m.retentionBytesFreed.Add(float64(bytesFreed))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func codeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}

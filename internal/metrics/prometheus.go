// Package metrics provides Prometheus metrics for the job broker.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. It implements observe.Sink so the
// broker facade can record operation timings and captured handler faults.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	handlerFaults     prometheus.Counter
	sessionsConnected prometheus.Gauge
	authFailures      *prometheus.CounterVec
	workOffers        prometheus.Counter
	droppedPushes     prometheus.Counter
	fanoutEvents      *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
}

var globalMetrics *Metrics

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	if globalMetrics != nil {
		return globalMetrics
	}

	globalMetrics = &Metrics{
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobber_broker_operation_duration_seconds",
				Help:    "Duration of broker facade operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		handlerFaults: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobber_worker_handler_faults_total",
				Help: "Total number of faults captured from worker handlers",
			},
		),
		sessionsConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobber_sessions_connected",
				Help: "Number of currently connected sessions",
			},
		),
		authFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobber_auth_failures_total",
				Help: "Total number of rejected connection attempts",
			},
			[]string{"reason"},
		),
		workOffers: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobber_work_offers_total",
				Help: "Total number of work offers pushed to workers",
			},
		),
		droppedPushes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobber_dropped_pushes_total",
				Help: "Total number of push messages dropped due to full outbound channels",
			},
		),
		fanoutEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobber_fanout_events_total",
				Help: "Total number of lifecycle events broadcast to sessions",
			},
			[]string{"event"},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobber_protocol_requests_total",
				Help: "Total number of protocol requests by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}

	return globalMetrics
}

// ObserveDuration records a timing sample for a broker operation.
func (m *Metrics) ObserveDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// CaptureException records a fault captured from a worker handler.
func (m *Metrics) CaptureException(err error) {
	if err == nil {
		return
	}
	m.handlerFaults.Inc()
}

// IncSessions increments the connected sessions gauge.
func (m *Metrics) IncSessions() {
	m.sessionsConnected.Inc()
}

// DecSessions decrements the connected sessions gauge.
func (m *Metrics) DecSessions() {
	m.sessionsConnected.Dec()
}

// RecordAuthFailure records a rejected connection attempt.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordWorkOffer records a work offer pushed to a worker session.
func (m *Metrics) RecordWorkOffer() {
	m.workOffers.Inc()
}

// RecordDroppedPush records a push dropped because a session was slow.
func (m *Metrics) RecordDroppedPush() {
	m.droppedPushes.Inc()
}

// RecordFanoutEvent records a lifecycle event broadcast.
func (m *Metrics) RecordFanoutEvent(event string) {
	m.fanoutEvents.WithLabelValues(event).Inc()
}

// RecordRequest records a protocol request and its outcome.
func (m *Metrics) RecordRequest(msgType, outcome string) {
	m.requestsTotal.WithLabelValues(msgType, outcome).Inc()
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

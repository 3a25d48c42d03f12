package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"broker/internal/broker"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Publisher metrics
	publishTotal        *prometheus.CounterVec
	publishDuration     *prometheus.HistogramVec
	publishPayloadBytes *prometheus.HistogramVec

	// Consumer metrics
	consumeTotal    *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	eventsLeased    *prometheus.CounterVec
	ackTotal        *prometheus.CounterVec
	failTotal       *prometheus.CounterVec

	// Worker metrics
	workerOutcomeTotal    *prometheus.CounterVec
	workerProcessDuration *prometheus.HistogramVec
	workersRunning        *prometheus.GaugeVec

	// Storage metrics
	storageOperationTotal    *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec

	// System health metrics
	systemInfo        *prometheus.GaugeVec
	startTime         prometheus.Gauge
	connectionsActive prometheus.Gauge
	connectionsIdle   prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "status"},
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_publish_duration_seconds",
				Help:    "Time spent publishing events",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		publishPayloadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_publish_payload_bytes",
				Help:    "Size of published payloads",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"topic"},
		),

		consumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_consume_total",
				Help: "Total number of consume operations",
			},
			[]string{"subscription", "status"}, // status: success, empty, error
		),

		consumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_consume_duration_seconds",
				Help:    "Time spent leasing events",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"subscription"},
		),

		eventsLeased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_leased_total",
				Help: "Total number of leased deliveries",
			},
			[]string{"subscription"},
		),

		ackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_ack_total",
				Help: "Total number of acknowledgments",
			},
			[]string{"status"}, // status: success, conflict, not_found, error
		),

		failTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_fail_total",
				Help: "Total number of failed deliveries reported by consumers",
			},
			[]string{"reason", "status"},
		),

		workerOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_worker_outcome_total",
				Help: "Total number of events processed by workers, per outcome",
			},
			[]string{"subscription", "outcome"}, // outcome: succeeded, must_retry, failed
		),

		workerProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_worker_process_duration_seconds",
				Help:    "Time spent in process functions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"subscription"},
		),

		workersRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_workers_running",
				Help: "Current number of running workers",
			},
			[]string{"subscription"},
		),

		storageOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_storage_operation_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_storage_operation_duration_seconds",
				Help:    "Time spent on storage operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "storage"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),

		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_connections_active",
				Help: "Number of active database connections",
			},
		),

		connectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishPayloadBytes,
		r.consumeTotal,
		r.consumeDuration,
		r.eventsLeased,
		r.ackTotal,
		r.failTotal,
		r.workerOutcomeTotal,
		r.workerProcessDuration,
		r.workersRunning,
		r.storageOperationTotal,
		r.storageOperationDuration,
		r.systemInfo,
		r.startTime,
		r.connectionsActive,
		r.connectionsIdle,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordPublish records a publish operation
func (r *Registry) RecordPublish(topic string, payloadBytes int, duration time.Duration, err error) {
	r.publishTotal.WithLabelValues(topic, status(err)).Inc()
	r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if err == nil {
		r.publishPayloadBytes.WithLabelValues(topic).Observe(float64(payloadBytes))
	}
}

// RecordConsume records a ConsumeNext call
func (r *Registry) RecordConsume(subscription string, leased int, duration time.Duration, err error) {
	s := status(err)
	if err == nil && leased == 0 {
		s = "empty"
	}

	r.consumeTotal.WithLabelValues(subscription, s).Inc()
	r.consumeDuration.WithLabelValues(subscription).Observe(duration.Seconds())
	if leased > 0 {
		r.eventsLeased.WithLabelValues(subscription).Add(float64(leased))
	}
}

// RecordAck records a MarkConsumed call
func (r *Registry) RecordAck(err error) {
	r.ackTotal.WithLabelValues(status(err)).Inc()
}

// RecordFail records a MarkFailed call
func (r *Registry) RecordFail(reason broker.ReasonKind, err error) {
	r.failTotal.WithLabelValues(string(reason), status(err)).Inc()
}

// RecordWorkerOutcome records the outcome of one processed event
func (r *Registry) RecordWorkerOutcome(subscription, outcome string, duration time.Duration) {
	r.workerOutcomeTotal.WithLabelValues(subscription, outcome).Inc()
	r.workerProcessDuration.WithLabelValues(subscription).Observe(duration.Seconds())
}

// AddRunningWorkers moves the running worker gauge by delta
func (r *Registry) AddRunningWorkers(subscription string, delta float64) {
	r.workersRunning.WithLabelValues(subscription).Add(delta)
}

// RecordStorageOperation records a storage operation
func (r *Registry) RecordStorageOperation(operation string, duration time.Duration, err error) {
	r.storageOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, storage string) {
	r.systemInfo.WithLabelValues(version, storage).Set(1)
}

// UpdateConnectionMetrics updates database connection metrics
func (r *Registry) UpdateConnectionMetrics(active, idle int) {
	r.connectionsActive.Set(float64(active))
	r.connectionsIdle.Set(float64(idle))
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, broker.ErrConflict):
		return "conflict"
	case errors.Is(err, broker.ErrNotFound):
		return "not_found"
	case errors.Is(err, broker.ErrValidation):
		return "invalid"
	case errors.Is(err, broker.ErrContention):
		return "contention"
	default:
		return "error"
	}
}

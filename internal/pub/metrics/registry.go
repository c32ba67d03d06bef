package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pubclient/internal/pub"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Producer metrics
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	publishBatchSize *prometheus.HistogramVec

	// Consumer metrics
	receiveTotal    *prometheus.CounterVec
	receiveWait     *prometheus.HistogramVec
	ackTotal        *prometheus.CounterVec
	redeliveryTotal *prometheus.CounterVec
	redeliveredIDs  *prometheus.CounterVec
	lifecycleTotal  *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	flowSignalTotal *prometheus.CounterVec
	flowPermits     *prometheus.CounterVec

	// Dispatcher metrics
	dispatchedTotal *prometheus.CounterVec

	// Controller/Database metrics
	databaseOperationTotal    *prometheus.CounterVec
	databaseOperationDuration *prometheus.HistogramVec
	breakerState              *prometheus.GaugeVec

	// Lease metrics
	leaseOperationTotal *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		// Producer metrics
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_producer_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "partition", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_producer_publish_duration_seconds",
				Help:    "Time spent publishing batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "partition"},
		),

		publishBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_producer_batch_size",
				Help:    "Number of events in published batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"topic", "partition"},
		),

		// Consumer metrics
		receiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_receive_total",
				Help: "Total number of receive calls",
			},
			[]string{"topic", "subscription", "status"}, // status: success, timeout, closed, error
		),

		receiveWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_consumer_receive_wait_seconds",
				Help:    "Time receivers spent waiting for a message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "subscription"},
		),

		ackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_ack_total",
				Help: "Total number of message acknowledgments",
			},
			[]string{"topic", "subscription", "kind", "status"}, // kind: individual, cumulative
		),

		redeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_redelivery_requests_total",
				Help: "Total number of redelivery requests",
			},
			[]string{"topic", "subscription", "status"},
		),

		redeliveredIDs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_redelivered_messages_total",
				Help: "Total number of messages pushed again after redelivery",
			},
			[]string{"topic", "subscription"},
		),

		lifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_lifecycle_total",
				Help: "Total number of consumer lifecycle operations",
			},
			[]string{"topic", "subscription", "operation", "status"}, // operation: subscribe, pause, resume, unsubscribe, close
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_consumer_queue_depth",
				Help: "Number of messages buffered in the delivery queue",
			},
			[]string{"topic", "subscription"},
		),

		flowSignalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_flow_signal_total",
				Help: "Total number of backpressure and resume signals",
			},
			[]string{"topic", "subscription", "signal"}, // signal: backpressure, resume
		),

		flowPermits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_consumer_flow_permits_total",
				Help: "Total number of flow permits released to the delivery path",
			},
			[]string{"topic", "subscription"},
		),

		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_dispatcher_messages_total",
				Help: "Total number of messages handled by the dispatcher",
			},
			[]string{"topic", "subscription", "outcome"}, // outcome: pushed, leased, failed
		),

		// Controller/Database metrics
		databaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_database_operation_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: get_cursor, ack, load_messages, etc.
		),

		databaseOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pub_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_controller_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
			[]string{"name"},
		),

		leaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pub_lease_operation_total",
				Help: "Total number of lease operations",
			},
			[]string{"operation", "status"}, // operation: create, release; status: success, held, error
		),

		// System health metrics
		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pub_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pub_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register application metrics
	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishBatchSize,
		r.receiveTotal,
		r.receiveWait,
		r.ackTotal,
		r.redeliveryTotal,
		r.redeliveredIDs,
		r.lifecycleTotal,
		r.queueDepth,
		r.flowSignalTotal,
		r.flowPermits,
		r.dispatchedTotal,
		r.databaseOperationTotal,
		r.databaseOperationDuration,
		r.breakerState,
		r.leaseOperationTotal,
		r.systemInfo,
		r.startTime,
	)

	// Set start time
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordProducerPublish records a producer publish operation
func (r *Registry) RecordProducerPublish(topic string, partition int32, batchSize int, duration time.Duration, err error) {
	p := strconv.Itoa(int(partition))

	r.publishTotal.WithLabelValues(topic, p, status(err)).Inc()
	r.publishDuration.WithLabelValues(topic, p).Observe(duration.Seconds())
	if err == nil {
		r.publishBatchSize.WithLabelValues(topic, p).Observe(float64(batchSize))
	}
}

// RecordConsumerReceive records a receive call and how long it waited.
func (r *Registry) RecordConsumerReceive(topic, subscription string, wait time.Duration, err error) {
	s := "success"
	switch {
	case err == nil:
	case errors.Is(err, pub.ErrTimeout):
		s = "timeout"
	case errors.Is(err, pub.ErrConsumerClosed):
		s = "closed"
	default:
		s = "error"
	}

	r.receiveTotal.WithLabelValues(topic, subscription, s).Inc()
	r.receiveWait.WithLabelValues(topic, subscription).Observe(wait.Seconds())
}

// RecordConsumerAck records an acknowledgment call.
func (r *Registry) RecordConsumerAck(topic, subscription string, cumulative bool, err error) {
	kind := "individual"
	if cumulative {
		kind = "cumulative"
	}

	r.ackTotal.WithLabelValues(topic, subscription, kind, status(err)).Inc()
}

// RecordRedeliveryRequest records a request to redeliver unacknowledged messages.
func (r *Registry) RecordRedeliveryRequest(topic, subscription string, err error) {
	r.redeliveryTotal.WithLabelValues(topic, subscription, status(err)).Inc()
}

// RecordRedelivered counts messages pushed again to a consumer.
func (r *Registry) RecordRedelivered(topic, subscription string, n int) {
	r.redeliveredIDs.WithLabelValues(topic, subscription).Add(float64(n))
}

// RecordConsumerLifecycle records subscribe, pause, resume, unsubscribe and close calls.
func (r *Registry) RecordConsumerLifecycle(topic, subscription, operation string, err error) {
	r.lifecycleTotal.WithLabelValues(topic, subscription, operation, status(err)).Inc()
}

// UpdateQueueDepth sets the number of buffered messages of a consumer.
func (r *Registry) UpdateQueueDepth(topic, subscription string, depth int) {
	r.queueDepth.WithLabelValues(topic, subscription).Set(float64(depth))
}

// RecordFlowSignal records a backpressure or resume signal.
func (r *Registry) RecordFlowSignal(topic, subscription, signal string) {
	r.flowSignalTotal.WithLabelValues(topic, subscription, signal).Inc()
}

// RecordFlowPermits counts permits released to the delivery path.
func (r *Registry) RecordFlowPermits(topic, subscription string, permits int) {
	r.flowPermits.WithLabelValues(topic, subscription).Add(float64(permits))
}

// RecordDispatch records the outcome of a single message handled by the dispatcher.
func (r *Registry) RecordDispatch(topic, subscription, outcome string) {
	r.dispatchedTotal.WithLabelValues(topic, subscription, outcome).Inc()
}

// RecordDatabaseOperation records a database operation
func (r *Registry) RecordDatabaseOperation(operation string, duration time.Duration, err error) {
	r.databaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.databaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateBreakerState records the state of a named circuit breaker.
func (r *Registry) UpdateBreakerState(name string, state int) {
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordLeaseOperation records a lease operation
func (r *Registry) RecordLeaseOperation(operation string, err error) {
	s := status(err)
	if errors.Is(err, pub.ErrLeaseHeld) {
		s = "held"
	}

	r.leaseOperationTotal.WithLabelValues(operation, s).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

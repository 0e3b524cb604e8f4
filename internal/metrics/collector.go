package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Record outcomes
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Collector holds all metrics for the collector. Each Collector owns its
// registry so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	// Record metrics
	records        *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	batchSize      prometheus.Histogram

	// Store metrics
	connectAttempts   *prometheus.CounterVec
	partitionsCreated *prometheus.CounterVec

	// Kafka metrics
	kafkaMessages      prometheus.Counter
	kafkaMessageErrors prometheus.Counter
}

// NewCollector creates a new metrics collector
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "records_total",
			Help:      "Total number of processed records by kind and outcome",
		}, []string{"kind", "outcome"}),
		recordDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "record_processing_duration_seconds",
			Help:      "Duration of processing a single record",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"kind"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "batch_size",
			Help:      "Number of records per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connect_attempts_total",
			Help:      "Total number of store connection attempts by result",
		}, []string{"result"}),
		partitionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "partitions_created_total",
			Help:      "Total number of partitions created per alias",
		}, []string{"alias"}),

		kafkaMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of published events",
		}),
		kafkaMessageErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "message_errors_total",
			Help:      "Total number of events that failed to publish",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordOutcome(kind, outcome string, duration time.Duration) {
	c.records.WithLabelValues(kind, outcome).Inc()
	c.recordDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (c *Collector) RecordBatch(size int) {
	c.batchSize.Observe(float64(size))
}

func (c *Collector) RecordConnectAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.connectAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) RecordPartitionCreated(alias string) {
	c.partitionsCreated.WithLabelValues(alias).Inc()
}

func (c *Collector) RecordPublish(err error) {
	if err != nil {
		c.kafkaMessageErrors.Inc()
		return
	}
	c.kafkaMessages.Inc()
}

// Push sends the registry to a Prometheus pushgateway once. The collector
// runs as a batch job, so nothing is scraped.
func (c *Collector) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(c.registry).Push(); err != nil {
		return errors.Wrap(err, "failed to push metrics")
	}
	return nil
}

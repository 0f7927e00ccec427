// Package metrics adapts Tim275-oms/common/metrics/metrics.go's
// promauto-based pattern to the event-runtime domain of spec.md §4.4's
// EventProcessor statistics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics are the Prometheus series spec.md §4.4/§9 expects an
// EventProcessor to expose alongside its in-process Stats snapshot.
type EventMetrics struct {
	Processed       *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	Retried         *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	HandlerMissing  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

// New creates event-processing metrics registered under serviceName.
func New(serviceName string) *EventMetrics {
	return &EventMetrics{
		Processed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_processed_total",
				Help: "Total number of events successfully processed",
			},
			[]string{"event_type", "event_version"},
		),
		Failed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_failed_total",
				Help: "Total number of events that failed processing",
			},
			[]string{"event_type", "event_version", "error_tag"},
		),
		Retried: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_retried_total",
				Help: "Total number of events scheduled for retry",
			},
			[]string{"event_type", "event_version"},
		),
		Duplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_duplicate_total",
				Help: "Total number of events short-circuited by the idempotency guard",
			},
			[]string{"event_type", "event_version"},
		),
		ProcessDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_event_process_duration_seconds",
				Help:    "Event processing duration in seconds, middleware chain plus handler",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type", "event_version"},
		),
		HandlerMissing: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_unhandled_total",
				Help: "Total number of events acked with no registered handler",
			},
			[]string{"event_type", "event_version"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_consumer_queue_depth",
				Help: "Last observed queue depth for a consumer's queue",
			},
			[]string{"queue"},
		),
	}
}

// RecordSuccess records one successfully processed event.
func (m *EventMetrics) RecordSuccess(eventType, eventVersion string, duration time.Duration) {
	m.Processed.WithLabelValues(eventType, eventVersion).Inc()
	m.ProcessDuration.WithLabelValues(eventType, eventVersion).Observe(duration.Seconds())
}

// RecordFailure records one failed event, tagged with its classified error.
func (m *EventMetrics) RecordFailure(eventType, eventVersion, errorTag string, duration time.Duration) {
	m.Failed.WithLabelValues(eventType, eventVersion, errorTag).Inc()
	m.ProcessDuration.WithLabelValues(eventType, eventVersion).Observe(duration.Seconds())
}

// RecordRetry records one event scheduled for a retry attempt.
func (m *EventMetrics) RecordRetry(eventType, eventVersion string) {
	m.Retried.WithLabelValues(eventType, eventVersion).Inc()
}

// RecordDuplicate records one event short-circuited as a duplicate.
func (m *EventMetrics) RecordDuplicate(eventType, eventVersion string) {
	m.Duplicates.WithLabelValues(eventType, eventVersion).Inc()
}

// RecordUnhandled records one event acked with no registered handler.
func (m *EventMetrics) RecordUnhandled(eventType, eventVersion string) {
	m.HandlerMissing.WithLabelValues(eventType, eventVersion).Inc()
}

// SetQueueDepth records the last observed depth for queue.
func (m *EventMetrics) SetQueueDepth(queue string, depth float64) {
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

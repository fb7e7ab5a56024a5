// Package metrics records coordination-core metrics to Prometheus and queries them back.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "agentcore"

// Recorder holds the router, worker and memory collectors. A nil *Recorder records nothing.
type Recorder struct {
	messagesSent        *prometheus.CounterVec
	messagesDelivered   *prometheus.CounterVec
	messagesUndelivered *prometheus.CounterVec
	sendLatency         *prometheus.HistogramVec
	thinkDuration       *prometheus.HistogramVec
	workerTransitions   *prometheus.CounterVec
	workerFailures      *prometheus.CounterVec
	alertsRaised        *prometheus.CounterVec
	memoryStored        prometheus.Counter
	memorySearch        prometheus.Histogram
	embedCache          *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg. A nil reg uses the default registerer.
func NewRecorder(reg prometheus.Registerer, namespace string) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Recorder{
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Messages persisted by the router, by message type",
			},
			[]string{"type"},
		),
		messagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Messages accepted by a receiver inbox",
			},
			[]string{"receiver"},
		),
		messagesUndelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_undelivered_total",
				Help:      "Messages that exhausted delivery retries",
			},
			[]string{"receiver"},
		),
		sendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Time to validate and persist a message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		thinkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "think_duration_seconds",
				Help:      "Duration of worker reasoning steps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"worker_id", "outcome"},
		),
		workerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_transitions_total",
				Help:      "Worker state machine transitions",
			},
			[]string{"from", "to"},
		),
		workerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_failures_total",
				Help:      "Workers that exhausted retries and entered FAILED",
			},
			[]string{"worker_id"},
		),
		alertsRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_raised_total",
				Help:      "Supervisory alerts raised, by severity",
			},
			[]string{"severity"},
		),
		memoryStored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_items_stored_total",
				Help:      "Items written to vector memory",
			},
		),
		memorySearch: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_search_duration_seconds",
				Help:      "Duration of vector memory searches",
				Buckets:   prometheus.DefBuckets,
			},
		),
		embedCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embed_cache_requests_total",
				Help:      "Embedding cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// MessageSent counts a persisted message and observes the send latency.
func (r *Recorder) MessageSent(msgType string, d time.Duration) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(msgType).Inc()
	r.sendLatency.WithLabelValues("ok").Observe(d.Seconds())
}

// SendFailed observes the latency of a rejected send.
func (r *Recorder) SendFailed(d time.Duration) {
	if r == nil {
		return
	}
	r.sendLatency.WithLabelValues("error").Observe(d.Seconds())
}

// MessageDelivered counts a delivery to receiver.
func (r *Recorder) MessageDelivered(receiver string) {
	if r == nil {
		return
	}
	r.messagesDelivered.WithLabelValues(receiver).Inc()
}

// MessageUndelivered counts an exhausted delivery to receiver.
func (r *Recorder) MessageUndelivered(receiver string) {
	if r == nil {
		return
	}
	r.messagesUndelivered.WithLabelValues(receiver).Inc()
}

// ObserveThink records one reasoning step.
func (r *Recorder) ObserveThink(workerID, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.thinkDuration.WithLabelValues(workerID, outcome).Observe(d.Seconds())
}

// WorkerTransition counts a state change.
func (r *Recorder) WorkerTransition(from, to string) {
	if r == nil {
		return
	}
	r.workerTransitions.WithLabelValues(from, to).Inc()
}

// WorkerFailed counts a worker entering FAILED.
func (r *Recorder) WorkerFailed(workerID string) {
	if r == nil {
		return
	}
	r.workerFailures.WithLabelValues(workerID).Inc()
}

// AlertRaised counts a supervisory alert.
func (r *Recorder) AlertRaised(severity string) {
	if r == nil {
		return
	}
	r.alertsRaised.WithLabelValues(severity).Inc()
}

// MemoryStored counts a stored memory item.
func (r *Recorder) MemoryStored() {
	if r == nil {
		return
	}
	r.memoryStored.Inc()
}

// ObserveMemorySearch records a search duration.
func (r *Recorder) ObserveMemorySearch(d time.Duration) {
	if r == nil {
		return
	}
	r.memorySearch.Observe(d.Seconds())
}

// EmbedCacheHit counts a cached embedding lookup.
func (r *Recorder) EmbedCacheHit() {
	if r == nil {
		return
	}
	r.embedCache.WithLabelValues("hit").Inc()
}

// EmbedCacheMiss counts an embedding computed by the backing embedder.
func (r *Recorder) EmbedCacheMiss() {
	if r == nil {
		return
	}
	r.embedCache.WithLabelValues("miss").Inc()
}

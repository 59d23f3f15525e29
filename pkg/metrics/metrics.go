// Package metrics exposes the engine counters and histograms to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records engine metrics. A nil *Collector records nothing.
type Collector struct {
	queueEmitted       *prometheus.CounterVec
	queueReceived      *prometheus.CounterVec
	queueDropped       *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	executionsEnded    *prometheus.CounterVec
	workerTasks        *prometheus.CounterVec
	triggersEvaluated  *prometheus.CounterVec
	delaysProcessed    *prometheus.CounterVec
	slaViolations      *prometheus.CounterVec
	concurrencyQueued  *prometheus.CounterVec
	deduplicated       *prometheus.CounterVec
	coordinationErrors *prometheus.CounterVec
}

// NewCollector registers the engine metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		queueEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_queue_emitted_total",
				Help: "Total number of messages emitted to the queue",
			},
			[]string{"type"},
		),
		queueReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_queue_received_total",
				Help: "Total number of messages received from the queue",
			},
			[]string{"type"},
		),
		queueDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_queue_dropped_total",
				Help: "Total number of messages dropped",
			},
			[]string{"type", "reason"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowd_handler_duration_seconds",
				Help:    "Duration of coordinator message handlers",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"handler"},
		),
		executionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_executions_ended_total",
				Help: "Total number of executions reaching a terminal state",
			},
			[]string{"namespace", "flow_id", "state"},
		),
		workerTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_worker_tasks_dispatched_total",
				Help: "Total number of worker tasks dispatched",
			},
			[]string{"worker_group"},
		),
		triggersEvaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_triggers_evaluated_total",
				Help: "Total number of trigger evaluations by outcome",
			},
			[]string{"outcome"},
		),
		delaysProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_delays_processed_total",
				Help: "Total number of execution delays processed",
			},
			[]string{"delay_type"},
		),
		slaViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_sla_violations_total",
				Help: "Total number of SLA violations",
			},
			[]string{"behavior"},
		),
		concurrencyQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_concurrency_limited_total",
				Help: "Total number of executions over their flow concurrency limit",
			},
			[]string{"behavior"},
		),
		deduplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_deduplicated_total",
				Help: "Total number of emissions suppressed by the deduplication ledger",
			},
			[]string{"kind"},
		),
		coordinationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_coordination_errors_total",
				Help: "Total number of retried coordination errors",
			},
			[]string{"operation"},
		),
	}
}

func (c *Collector) QueueEmitted(messageType string) {
	if c == nil {
		return
	}

	c.queueEmitted.WithLabelValues(messageType).Inc()
}

func (c *Collector) QueueReceived(messageType string) {
	if c == nil {
		return
	}

	c.queueReceived.WithLabelValues(messageType).Inc()
}

func (c *Collector) QueueDropped(messageType, reason string) {
	if c == nil {
		return
	}

	c.queueDropped.WithLabelValues(messageType, reason).Inc()
}

func (c *Collector) HandlerDuration(handler string, d time.Duration) {
	if c == nil {
		return
	}

	c.handlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}

func (c *Collector) ExecutionEnded(namespace, flowID, state string) {
	if c == nil {
		return
	}

	c.executionsEnded.WithLabelValues(namespace, flowID, state).Inc()
}

func (c *Collector) WorkerTaskDispatched(workerGroup string) {
	if c == nil {
		return
	}

	c.workerTasks.WithLabelValues(workerGroup).Inc()
}

func (c *Collector) TriggerEvaluated(outcome string) {
	if c == nil {
		return
	}

	c.triggersEvaluated.WithLabelValues(outcome).Inc()
}

func (c *Collector) DelayProcessed(delayType string) {
	if c == nil {
		return
	}

	c.delaysProcessed.WithLabelValues(delayType).Inc()
}

func (c *Collector) SLAViolated(behavior string) {
	if c == nil {
		return
	}

	c.slaViolations.WithLabelValues(behavior).Inc()
}

func (c *Collector) ConcurrencyLimited(behavior string) {
	if c == nil {
		return
	}

	c.concurrencyQueued.WithLabelValues(behavior).Inc()
}

func (c *Collector) Deduplicated(kind string) {
	if c == nil {
		return
	}

	c.deduplicated.WithLabelValues(kind).Inc()
}

func (c *Collector) CoordinationError(operation string) {
	if c == nil {
		return
	}

	c.coordinationErrors.WithLabelValues(operation).Inc()
}

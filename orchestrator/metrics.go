package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes the engine's own counters. All methods are nil-safe
// so callers that do not care about metrics pass nil and move on.
type EngineMetrics struct {
	executionsTotal *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	lockRejections  prometheus.Counter
	persistFailures prometheus.Counter
	stepDuration    prometheus.Histogram
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_executions_total",
			Help: "Workflow executions reaching a terminal status.",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_steps_total",
			Help: "Step outcomes by terminal status.",
		}, []string{"status"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_step_retries_total",
			Help: "Step attempts beyond the first.",
		}),
		lockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_lock_rejections_total",
			Help: "RunExecution calls that found the execution lock held elsewhere.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_persist_failures_total",
			Help: "Snapshot writes that failed and were dropped.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_step_duration_seconds",
			Help:    "Wall time of step executions including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executionsTotal, m.stepsTotal, m.retriesTotal, m.lockRejections, m.persistFailures, m.stepDuration)
	}
	return m
}

func (m *EngineMetrics) observeExecution(status ExecutionStatus) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) observeStep(status StepStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(status).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

func (m *EngineMetrics) observeRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *EngineMetrics) observeLockRejection() {
	if m == nil {
		return
	}
	m.lockRejections.Inc()
}

func (m *EngineMetrics) observePersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

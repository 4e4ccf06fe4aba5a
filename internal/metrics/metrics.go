package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels investigations that reached a conclusion.
	OutcomeSuccess = "success"
	// OutcomeError labels investigations that failed before concluding.
	OutcomeError = "error"
	// OutcomeCancelled labels investigations aborted by the caller.
	OutcomeCancelled = "cancelled"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_agent",
			Name:      "investigations_total",
			Help:      "Total number of investigations handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_agent",
			Name:      "investigation_seconds",
			Help:      "End-to-end investigation latency in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations, partitioned by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	toolCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_agent",
			Name:      "tool_call_seconds",
			Help:      "Tool invocation latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	compactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_agent",
			Name:      "compactions_total",
			Help:      "Number of context compaction passes applied.",
		},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_agent",
			Name:      "approvals_total",
			Help:      "Mutation approval decisions, partitioned by risk level and decision.",
		},
		[]string{"risk", "decision"},
	)
)

// Register attaches mirador-agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		toolCallsTotal,
		toolCallSeconds,
		compactionsTotal,
		approvalsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records an investigation duration and outcome label.
func ObserveInvestigation(duration time.Duration, outcome string) {
	if outcome != OutcomeError && outcome != OutcomeCancelled {
		outcome = OutcomeSuccess
	}
	investigationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// ObserveToolCall records a tool invocation outcome and latency.
func ObserveToolCall(tool string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	toolCallSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveCompaction counts an applied compaction plan.
func ObserveCompaction() {
	compactionsTotal.Inc()
}

// ObserveApproval records an approval decision by risk level.
func ObserveApproval(risk string, approved bool) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	approvalsTotal.WithLabelValues(risk, decision).Inc()
}

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slok/codebroker/internal/model"
)

const (
	promNamespace = "codebroker"
)

// PrometheusRecorder records the metrics as Prometheus collectors.
type PrometheusRecorder struct {
	taskRuns            *prometheus.HistogramVec
	toolCalls           *prometheus.HistogramVec
	policyDecisions     *prometheus.CounterVec
	approvalResolutions *prometheus.CounterVec
	approvalWaits       *prometheus.HistogramVec
}

// NewPrometheusRecorder returns a new recorder with its collectors registered on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		taskRuns: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "dispatch",
			Name:      "task_run_duration_seconds",
			Help:      "Duration of the task runs by runtime and terminal status.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"runtime", "status"}),

		toolCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of the external tool calls by source and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source", "status"}),

		policyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total policy decisions by effect.",
		}, []string{"effect"}),

		approvalResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "approval",
			Name:      "resolutions_total",
			Help:      "Total approvals resolved by status.",
		}, []string{"status"}),

		approvalWaits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "approval",
			Name:      "wait_duration_seconds",
			Help:      "Duration of the approval waits by outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
	}
}

func (p *PrometheusRecorder) ObserveTaskRun(_ context.Context, runtimeID string, status model.TaskStatus, duration time.Duration) {
	p.taskRuns.WithLabelValues(runtimeID, string(status)).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveToolCall(_ context.Context, sourceKey string, status model.ToolCallStatus, duration time.Duration) {
	p.toolCalls.WithLabelValues(sourceKey, string(status)).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncPolicyDecision(_ context.Context, effect model.DecisionEffect) {
	p.policyDecisions.WithLabelValues(string(effect)).Inc()
}

func (p *PrometheusRecorder) IncApprovalResolution(_ context.Context, status model.ApprovalStatus) {
	p.approvalResolutions.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusRecorder) ObserveApprovalWait(_ context.Context, outcome string, duration time.Duration) {
	p.approvalWaits.WithLabelValues(outcome).Observe(duration.Seconds())
}

var _ Recorder = &PrometheusRecorder{}

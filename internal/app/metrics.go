package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts workflow transitions by machine, operation and outcome.
type Metrics struct {
	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docket",
			Name:      "transitions_total",
			Help:      "Total number of workflow operations by result.",
		}, []string{"machine", "operation", "result"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docket",
			Name:      "transition_conflicts_total",
			Help:      "Total number of operations that lost a compare-and-set race.",
		}, []string{"machine", "operation"}),
		sideEffects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docket",
			Name:      "side_effect_failures_total",
			Help:      "Total number of best-effort post-commit actions that failed.",
		}, []string{"effect"}),
	}
}

func (m *Metrics) observe(machine, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		var code string
		if domainErr := asDomainError(err); domainErr != nil {
			code = domainErr.Code
		}
		switch code {
		case CodeConflict:
			result = "conflict"
			m.conflicts.WithLabelValues(machine, operation).Inc()
		case CodeForbidden:
			result = "forbidden"
		case CodeValidation:
			result = "invalid"
		case CodeNotFound:
			result = "not_found"
		}
	}
	m.transitions.WithLabelValues(machine, operation, result).Inc()
}

func (m *Metrics) sideEffectFailed(effect string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(effect).Inc()
}

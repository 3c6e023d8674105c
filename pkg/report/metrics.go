package report

import (
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/stores"
	"github.com/rackcycle/rackcycle/pkg/telemetry"
)

// MetricsReporter records phase, target, and attempt outcomes on the
// telemetry registry. Run-started is recorded by the caller before the
// executor takes over.
type MetricsReporter struct {
	metrics *telemetry.Metrics
}

// NewMetricsReporter creates a reporter recording to metrics.
func NewMetricsReporter(metrics *telemetry.Metrics) *MetricsReporter {
	return &MetricsReporter{metrics: metrics}
}

// OnPhaseStart implements engine.Reporter.
func (r *MetricsReporter) OnPhaseStart(phase *engine.Phase) {}

// OnPhaseResult implements engine.Reporter.
func (r *MetricsReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {
	op := string(phase.Operation)
	r.metrics.RecordPhase(pr.PhaseID, op, pr.Duration)
	for i := range pr.Results {
		res := &pr.Results[i]
		r.metrics.RecordTarget(string(res.Outcome))
		for j := range res.Attempts {
			att := &res.Attempts[j]
			r.metrics.RecordAttempt(pr.PhaseID, string(att.Strategy), op, string(att.Outcome), att.Duration)
		}
	}
}

// OnRunFinish implements engine.Reporter.
func (r *MetricsReporter) OnRunFinish(report *engine.RunReport) {
	r.metrics.RecordRunCompleted(report.PlanID, string(stores.OutcomeFor(report)), report.Duration)
}

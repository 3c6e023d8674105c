package report

import "github.com/rackcycle/rackcycle/pkg/engine"

// MultiReporter fans each callback out to several reporters in order.
// Console first, journal last is the usual arrangement, so the operator
// sees output before any slow persistence runs.
type MultiReporter struct {
	reporters []engine.Reporter
}

// NewMultiReporter combines reporters, ignoring nils.
func NewMultiReporter(reporters ...engine.Reporter) *MultiReporter {
	m := &MultiReporter{}
	for _, r := range reporters {
		if r != nil {
			m.reporters = append(m.reporters, r)
		}
	}
	return m
}

// OnPhaseStart implements engine.Reporter.
func (m *MultiReporter) OnPhaseStart(phase *engine.Phase) {
	for _, r := range m.reporters {
		r.OnPhaseStart(phase)
	}
}

// OnPhaseResult implements engine.Reporter.
func (m *MultiReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {
	for _, r := range m.reporters {
		r.OnPhaseResult(phase, pr)
	}
}

// OnRunFinish implements engine.Reporter.
func (m *MultiReporter) OnRunFinish(report *engine.RunReport) {
	for _, r := range m.reporters {
		r.OnRunFinish(report)
	}
}

package report

import (
	"fmt"
	"time"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/stores"
)

// RunStartedEvent announces a run before its first phase.
func RunStartedEvent(runID, planID string, mode engine.RunMode) engine.Event {
	return engine.Event{
		Type:      engine.EventTypeRunStarted,
		RunID:     runID,
		Message:   fmt.Sprintf("run started: plan %s (%s)", planID, mode),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"plan": planID,
			"mode": string(mode),
		},
	}
}

// RunFinishedEvent summarizes a finished run.
func RunFinishedEvent(report *engine.RunReport) engine.Event {
	outcome := stores.OutcomeFor(report)
	return engine.Event{
		Type:      engine.EventTypeRunFinished,
		RunID:     report.RunID,
		Message:   fmt.Sprintf("run finished: %s in %s", outcome, report.Duration.Round(time.Millisecond)),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"plan":     report.PlanID,
			"mode":     string(report.Mode),
			"outcome":  string(outcome),
			"phases":   len(report.Phases),
			"duration": report.Duration.String(),
		},
	}
}

// PhaseStartedEvent announces a phase picking up.
func PhaseStartedEvent(runID string, phase *engine.Phase) engine.Event {
	return engine.Event{
		Type:      engine.EventTypePhaseStarted,
		RunID:     runID,
		PhaseID:   phase.ID,
		Message:   fmt.Sprintf("phase %s started: %s, %d targets", phase.ID, phase.Operation, len(phase.Targets)),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": string(phase.Operation),
			"targets":   len(phase.Targets),
		},
	}
}

// PhaseFinishedEvent carries a phase aggregate. A wholly skipped phase
// emits phase_skipped instead.
func PhaseFinishedEvent(runID string, pr *engine.PhaseResult) engine.Event {
	typ := engine.EventTypePhaseFinished
	msg := fmt.Sprintf("phase %s %s: %d/%d succeeded", pr.PhaseID, pr.Outcome, pr.Succeeded, pr.Total)
	if pr.Outcome == engine.ResultSkipped {
		typ = engine.EventTypePhaseSkipped
		msg = fmt.Sprintf("phase %s skipped", pr.PhaseID)
	}
	return engine.Event{
		Type:      typ,
		RunID:     runID,
		PhaseID:   pr.PhaseID,
		Message:   msg,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"outcome":   string(pr.Outcome),
			"total":     pr.Total,
			"succeeded": pr.Succeeded,
			"failed":    pr.Failed,
			"skipped":   pr.Skipped,
			"degraded":  pr.Degraded,
			"duration":  pr.Duration.String(),
		},
	}
}

// TargetResultEvent carries one target's terminal result.
func TargetResultEvent(runID, phaseID string, res *engine.Result) engine.Event {
	return engine.Event{
		Type:      engine.EventTypeTargetResult,
		RunID:     runID,
		PhaseID:   phaseID,
		Target:    res.Target,
		Message:   fmt.Sprintf("%s: %s", res.Target, res.Outcome),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"outcome":  string(res.Outcome),
			"attempts": len(res.Attempts),
			"detail":   res.Detail,
		},
	}
}

// AttemptEvent carries one strategy attempt. The timestamp is the
// attempt's completion time, so replayed streams keep real ordering.
func AttemptEvent(runID, phaseID, target string, att *engine.Attempt) engine.Event {
	return engine.Event{
		Type:      engine.EventTypeAttempt,
		RunID:     runID,
		PhaseID:   phaseID,
		Target:    target,
		Message:   fmt.Sprintf("%s via %s: %s", target, att.Strategy, att.Outcome),
		Timestamp: att.StartedAt.Add(att.Duration),
		Details: map[string]interface{}{
			"strategy": string(att.Strategy),
			"outcome":  string(att.Outcome),
			"duration": att.Duration.String(),
			"detail":   att.Detail,
		},
	}
}

// BusReporter converts reporter callbacks into events on a Bus. Target
// and attempt events are published before their phase aggregate, so
// subscribers see the stream in causal order.
type BusReporter struct {
	bus   *Bus
	runID string
}

// NewBusReporter creates a reporter publishing to bus under runID.
func NewBusReporter(bus *Bus, runID string) *BusReporter {
	return &BusReporter{bus: bus, runID: runID}
}

// OnPhaseStart implements engine.Reporter.
func (r *BusReporter) OnPhaseStart(phase *engine.Phase) {
	r.publish(PhaseStartedEvent(r.runID, phase))
}

// OnPhaseResult implements engine.Reporter.
func (r *BusReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {
	for i := range pr.Results {
		res := &pr.Results[i]
		for j := range res.Attempts {
			r.publish(AttemptEvent(r.runID, pr.PhaseID, res.Target, &res.Attempts[j]))
		}
		r.publish(TargetResultEvent(r.runID, pr.PhaseID, res))
	}
	r.publish(PhaseFinishedEvent(r.runID, pr))
}

// OnRunFinish implements engine.Reporter.
func (r *BusReporter) OnRunFinish(report *engine.RunReport) {
	r.publish(RunFinishedEvent(report))
}

// publish drops events the bus rejects; progress reporting is
// best-effort and never fails a run.
func (r *BusReporter) publish(event engine.Event) {
	_ = r.bus.Publish(event)
}

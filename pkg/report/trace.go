package report

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/stores"
	"github.com/rackcycle/rackcycle/pkg/telemetry"
)

// TraceReporter turns executor callbacks into OpenTelemetry spans. The
// run span is owned by the caller and carried in runCtx; this reporter
// opens a child span per phase and reconstructs target spans from
// attempt timing once the phase result arrives.
type TraceReporter struct {
	tracer *telemetry.Tracer
	runCtx context.Context

	mu     sync.Mutex
	phases map[string]phaseSpan
}

type phaseSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewTraceReporter creates a reporter parenting phase spans under the
// span in runCtx.
func NewTraceReporter(tracer *telemetry.Tracer, runCtx context.Context) *TraceReporter {
	return &TraceReporter{
		tracer: tracer,
		runCtx: runCtx,
		phases: make(map[string]phaseSpan),
	}
}

// OnPhaseStart implements engine.Reporter.
func (r *TraceReporter) OnPhaseStart(phase *engine.Phase) {
	ctx, span := r.tracer.StartPhaseSpan(r.runCtx, phase.ID, string(phase.Operation))

	r.mu.Lock()
	r.phases[phase.ID] = phaseSpan{ctx: ctx, span: span}
	r.mu.Unlock()
}

// OnPhaseResult implements engine.Reporter.
func (r *TraceReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {
	r.mu.Lock()
	entry, ok := r.phases[pr.PhaseID]
	delete(r.phases, pr.PhaseID)
	r.mu.Unlock()
	if !ok {
		return
	}

	for i := range pr.Results {
		r.recordTarget(entry.ctx, phase, &pr.Results[i])
	}

	entry.span.SetAttributes(telemetry.AttrOutcome.String(string(pr.Outcome)))
	if pr.Outcome == engine.ResultFailed {
		telemetry.RecordError(entry.span, errors.New("phase failed"))
	} else {
		telemetry.RecordSuccess(entry.span)
	}
	entry.span.End(trace.WithTimestamp(pr.StartedAt.Add(pr.Duration)))
}

// recordTarget rebuilds one target's span after the fact from attempt
// timestamps. Targets that never attempted anything (skipped, dry-run
// no-ops) produce no span.
func (r *TraceReporter) recordTarget(ctx context.Context, phase *engine.Phase, res *engine.Result) {
	if len(res.Attempts) == 0 {
		return
	}
	first := &res.Attempts[0]
	last := &res.Attempts[len(res.Attempts)-1]

	_, span := r.tracer.StartTargetSpan(ctx,
		res.Target, string(last.Strategy), string(phase.Operation),
		trace.WithTimestamp(first.StartedAt))

	for i := range res.Attempts {
		att := &res.Attempts[i]
		span.AddEvent("attempt",
			trace.WithTimestamp(att.StartedAt),
			trace.WithAttributes(
				telemetry.AttrAdapterKind.String(string(att.Strategy)),
				telemetry.AttrOutcome.String(string(att.Outcome)),
			))
	}

	span.SetAttributes(
		telemetry.AttrOutcome.String(string(res.Outcome)),
		telemetry.AttrAttempts.Int(len(res.Attempts)),
	)
	switch res.Outcome {
	case engine.ResultFailed, engine.ResultDegraded:
		telemetry.RecordError(span, errors.New(res.Detail))
	case engine.ResultSucceeded:
		telemetry.RecordSuccess(span)
	}
	span.End(trace.WithTimestamp(last.StartedAt.Add(last.Duration)))
}

// OnRunFinish implements engine.Reporter. The run span itself is ended
// by the caller that opened it; this only stamps the outcome and closes
// any phase span left open by a fatal abort.
func (r *TraceReporter) OnRunFinish(report *engine.RunReport) {
	span := trace.SpanFromContext(r.runCtx)
	span.SetAttributes(telemetry.AttrOutcome.String(string(stores.OutcomeFor(report))))

	r.mu.Lock()
	for id, entry := range r.phases {
		delete(r.phases, id)
		entry.span.End()
	}
	r.mu.Unlock()
}

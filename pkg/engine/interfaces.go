package engine

import (
	"context"
	"time"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

// Adapter is the uniform lifecycle verb set implemented per backend kind.
// Adapters classify every error they raise into the engine error classes;
// an adapter that cannot distinguish must default to transient so the
// controller's attempt cap still bounds it.
type Adapter interface {
	// Kind identifies the backend variety this adapter speaks to.
	Kind() AdapterKind

	// Applicable reports whether this adapter can structurally reach the
	// target with the given session: an endpoint of its kind exists and
	// whatever material it needs is present. Inapplicable strategies are
	// skipped without counting as failed attempts.
	Applicable(target *Target, sess *broker.Session) bool

	// Status performs a non-mutating state read.
	Status(ctx context.Context, target *Target, sess *broker.Session) (*StateSnapshot, error)

	// Transition requests the operation. A nil error means the backend
	// accepted the request, not that it completed.
	Transition(ctx context.Context, target *Target, op Operation, sess *broker.Session) error

	// Await blocks until the target converges to its expected state for
	// the operation, bounded by maxTotal measured from the first probe.
	Await(ctx context.Context, target *Target, op Operation, sess *broker.Session, interval, maxTotal time.Duration) (*poll.Outcome, error)
}

// AdapterResolver looks up the adapter for a strategy's kind.
type AdapterResolver interface {
	// Resolve returns the adapter for kind, or false when none is registered.
	Resolve(kind AdapterKind) (Adapter, bool)
}

// SessionBroker supplies per-backend auth sessions. Refresh must be
// single-flight per backend; the engine calls it when an attempt comes
// back unauthenticated.
type SessionBroker interface {
	// Acquire returns a valid session for the backend, establishing one
	// on first use.
	Acquire(ctx context.Context, backendID string) (*broker.Session, error)

	// Refresh replaces the backend's session after credential rotation.
	Refresh(ctx context.Context, backendID string) (*broker.Session, error)
}

// Reporter receives structured run progress. Rendering is entirely the
// reporter's concern; the engine only emits.
type Reporter interface {
	// OnPhaseStart fires once per phase before any target runs.
	OnPhaseStart(phase *Phase)

	// OnPhaseResult fires once per phase with its aggregate outcome.
	OnPhaseResult(phase *Phase, aggregate *PhaseResult)

	// OnRunFinish fires once with the full run report.
	OnRunFinish(report *RunReport)
}

// PredicateEvaluator evaluates a phase's skip expression against run
// facts. Implementations must bound evaluation time.
type PredicateEvaluator interface {
	// EvaluateSkip returns true when the phase should be skipped.
	EvaluateSkip(ctx context.Context, expr string, input map[string]interface{}) (bool, error)
}

// NopReporter discards all events.
type NopReporter struct{}

// OnPhaseStart implements Reporter.
func (NopReporter) OnPhaseStart(*Phase) {}

// OnPhaseResult implements Reporter.
func (NopReporter) OnPhaseResult(*Phase, *PhaseResult) {}

// OnRunFinish implements Reporter.
func (NopReporter) OnRunFinish(*RunReport) {}

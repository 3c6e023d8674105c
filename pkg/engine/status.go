package engine

import (
	"encoding/json"
	"fmt"
)

// Operation represents the lifecycle verb a phase applies to its targets.
type Operation string

const (
	// OperationShutdown requests an orderly stop of the target.
	OperationShutdown Operation = "shutdown"

	// OperationStartup requests the target be brought back up.
	OperationStartup Operation = "startup"

	// OperationQuery is a non-mutating state read.
	OperationQuery Operation = "query"
)

// IsMutating returns true if the operation changes target state.
func (o Operation) IsMutating() bool {
	return o == OperationShutdown || o == OperationStartup
}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationShutdown, OperationStartup, OperationQuery:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// AdapterKind identifies the backend variety a strategy speaks to.
type AdapterKind string

const (
	// AdapterKindTokenREST is a REST backend authenticated with a session token.
	AdapterKindTokenREST AdapterKind = "token-rest"

	// AdapterKindBasicREST is a REST backend authenticated with HTTP basic auth.
	AdapterKindBasicREST AdapterKind = "basic-rest"

	// AdapterKindSSH is an imperative shell backend reached over SSH.
	AdapterKindSSH AdapterKind = "ssh"

	// AdapterKindKube is a cluster backend mutated through resource scaling.
	AdapterKindKube AdapterKind = "kube"
)

// Validate checks if the adapter kind is valid.
func (k AdapterKind) Validate() error {
	switch k {
	case AdapterKindTokenREST, AdapterKindBasicREST, AdapterKindSSH, AdapterKindKube:
		return nil
	default:
		return fmt.Errorf("invalid adapter kind: %s", k)
	}
}

// AttemptOutcome represents the outcome of one strategy invocation.
type AttemptOutcome string

const (
	// AttemptSuccess indicates the attempt completed its operation.
	AttemptSuccess AttemptOutcome = "success"

	// AttemptTransientError indicates a retryable failure.
	AttemptTransientError AttemptOutcome = "transient-error"

	// AttemptTerminalError indicates the backend structurally rejects the verb.
	AttemptTerminalError AttemptOutcome = "terminal-error"

	// AttemptTimeout indicates the readiness wait hit its ceiling.
	AttemptTimeout AttemptOutcome = "timeout"
)

// Validate checks if the attempt outcome is valid.
func (o AttemptOutcome) Validate() error {
	switch o {
	case AttemptSuccess, AttemptTransientError, AttemptTerminalError, AttemptTimeout:
		return nil
	default:
		return fmt.Errorf("invalid attempt outcome: %s", o)
	}
}

// ResultOutcome represents the terminal per-target outcome of a phase.
type ResultOutcome string

const (
	// ResultSucceeded indicates the target reached its expected state.
	ResultSucceeded ResultOutcome = "succeeded"

	// ResultFailed indicates every strategy was exhausted without success.
	ResultFailed ResultOutcome = "failed"

	// ResultSkipped indicates the target was never attempted.
	ResultSkipped ResultOutcome = "skipped"

	// ResultDegraded indicates a transition was accepted but the target was
	// not observed to converge within the allowed wait.
	ResultDegraded ResultOutcome = "degraded"
)

// IsTerminal returns true for every result outcome; results are never
// revisited within a phase invocation once computed.
func (o ResultOutcome) IsTerminal() bool {
	return o.Validate() == nil
}

// Validate checks if the result outcome is valid.
func (o ResultOutcome) Validate() error {
	switch o {
	case ResultSucceeded, ResultFailed, ResultSkipped, ResultDegraded:
		return nil
	default:
		return fmt.Errorf("invalid result outcome: %s", o)
	}
}

// ComponentState represents the observed lifecycle state of a target.
type ComponentState string

const (
	// StateRunning indicates the component is up and serving.
	StateRunning ComponentState = "running"

	// StateStopping indicates an orderly stop is in progress.
	StateStopping ComponentState = "stopping"

	// StateStopped indicates the component is fully stopped.
	StateStopped ComponentState = "stopped"

	// StateStarting indicates the component is coming up.
	StateStarting ComponentState = "starting"

	// StateDegraded indicates the component is up but unhealthy.
	StateDegraded ComponentState = "degraded"

	// StateUnknown indicates the state could not be determined.
	StateUnknown ComponentState = "unknown"
)

// IsTransitional returns true if the state represents an in-progress change.
func (s ComponentState) IsTransitional() bool {
	return s == StateStopping || s == StateStarting
}

// IsSettled returns true if the state is a resting state a phase can
// compare against its expected terminal state.
func (s ComponentState) IsSettled() bool {
	return s == StateRunning || s == StateStopped
}

// Validate checks if the component state is valid.
func (s ComponentState) Validate() error {
	switch s {
	case StateRunning, StateStopping, StateStopped, StateStarting,
		StateDegraded, StateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid component state: %s", s)
	}
}

// RunMode represents how much of the plan a run covers.
type RunMode string

const (
	// RunModeFull executes every eligible phase in order.
	RunModeFull RunMode = "full"

	// RunModeSinglePhase executes exactly one phase, after prerequisite
	// session setup.
	RunModeSinglePhase RunMode = "single-phase"

	// RunModeDryRun executes status reads only; no transitions.
	RunModeDryRun RunMode = "dry-run"
)

// Validate checks if the run mode is valid.
func (m RunMode) Validate() error {
	switch m {
	case RunModeFull, RunModeSinglePhase, RunModeDryRun:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %s", m)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunFinished indicates a run has finished.
	EventTypeRunFinished EventType = "run_finished"

	// EventTypePhaseStarted indicates a phase has started execution.
	EventTypePhaseStarted EventType = "phase_started"

	// EventTypePhaseFinished indicates a phase reached its aggregate outcome.
	EventTypePhaseFinished EventType = "phase_finished"

	// EventTypePhaseSkipped indicates a phase was skipped.
	EventTypePhaseSkipped EventType = "phase_skipped"

	// EventTypeTargetResult indicates a target reached a terminal result.
	EventTypeTargetResult EventType = "target_result"

	// EventTypeAttempt indicates one strategy attempt finished.
	EventTypeAttempt EventType = "attempt"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates an informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeError:
		return "error"
	case EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o ResultOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *ResultOutcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = ResultOutcome(str)
	return o.Validate()
}

package engine

import (
	"fmt"
	"time"
)

// Plan is an ordered sequence of phases. A plan is immutable once loaded
// for a run; the executor never reorders or mutates it.
type Plan struct {
	// ID identifies the plan (e.g. "shutdown", "startup", "status").
	ID string `json:"id"`

	// Description is a human-readable summary of what the plan does.
	Description string `json:"description,omitempty"`

	// Prerequisites lists broker backend IDs whose sessions must be
	// established before any phase runs. Single-phase runs still perform
	// this setup.
	Prerequisites []string `json:"prerequisites,omitempty"`

	// Phases is the strict total order of execution.
	Phases []Phase `json:"phases"`
}

// PhaseByID returns the phase with the given ID, or nil if absent.
func (p *Plan) PhaseByID(id string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// Validate checks plan structure: non-empty ID, unique phase IDs, and
// per-phase validity.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	seen := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		ph := &p.Phases[i]
		if err := ph.Validate(); err != nil {
			return fmt.Errorf("phase %q: %w", ph.ID, err)
		}
		if seen[ph.ID] {
			return fmt.Errorf("duplicate phase ID: %s", ph.ID)
		}
		seen[ph.ID] = true
	}
	return nil
}

// Phase is one named, ordered step of the plan. Its ID is stable across
// runs so a single phase can be re-invoked in isolation.
type Phase struct {
	// ID is the stable phase identifier.
	ID string `json:"id"`

	// Label is the operator-facing phase name.
	Label string `json:"label"`

	// Operation is the lifecycle verb applied to every target in the phase.
	Operation Operation `json:"operation"`

	// Targets is the set of components this phase acts on. Targets within
	// one phase are independent of one another.
	Targets []Target `json:"targets"`

	// Fallbacks is the ordered strategy chain tried per target.
	Fallbacks []Strategy `json:"fallbacks"`

	// Concurrency bounds how many targets run in parallel. Zero means one.
	Concurrency int `json:"concurrency,omitempty"`

	// NonBlocking lets the run continue even if this phase's aggregate
	// outcome is failed.
	NonBlocking bool `json:"non_blocking,omitempty"`

	// SkipWhen is an optional predicate expression; when it evaluates true
	// the phase is skipped. An empty target set always skips.
	SkipWhen string `json:"skip_when,omitempty"`

	// After lists phase IDs this phase must follow. The order check
	// verifies the declared plan order satisfies these.
	After []string `json:"after,omitempty"`

	// SettleDelay is a post-phase safety wait (storage quiesce and the
	// like). Quick runs skip it.
	SettleDelay time.Duration `json:"settle_delay,omitempty"`

	// HostPhase marks phases gated behind the include-hosts option.
	HostPhase bool `json:"host_phase,omitempty"`

	// AwaitInterval is the poll interval for convergence waits in this phase.
	AwaitInterval time.Duration `json:"await_interval,omitempty"`

	// AwaitBudget is the total convergence wait ceiling per target.
	AwaitBudget time.Duration `json:"await_budget,omitempty"`
}

// WorkerCount returns the effective parallelism for the phase.
func (p *Phase) WorkerCount() int {
	if p.Concurrency <= 0 {
		return 1
	}
	if len(p.Targets) > 0 && p.Concurrency > len(p.Targets) {
		return len(p.Targets)
	}
	return p.Concurrency
}

// Validate checks phase structure.
func (p *Phase) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("phase ID is required")
	}
	if err := p.Operation.Validate(); err != nil {
		return err
	}
	if len(p.Fallbacks) == 0 && len(p.Targets) > 0 {
		return fmt.Errorf("phase has targets but no fallback strategies")
	}
	for i := range p.Targets {
		if err := p.Targets[i].Validate(); err != nil {
			return fmt.Errorf("target %q: %w", p.Targets[i].Name, err)
		}
	}
	for i := range p.Fallbacks {
		if err := p.Fallbacks[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Target is one addressable component instance acted on within a phase.
type Target struct {
	// Name is the unique target name within its phase.
	Name string `json:"name"`

	// AdapterKind is the target's native backend kind; strategies of other
	// kinds may still reach it through alternate endpoints.
	AdapterKind AdapterKind `json:"adapter_kind"`

	// Endpoint is the primary address (URL, host:port, context name).
	Endpoint string `json:"endpoint"`

	// Endpoints maps adapter kinds to alternate addresses for fallback
	// strategies (e.g. a host's SSH address next to its REST URL).
	Endpoints map[AdapterKind]string `json:"endpoints,omitempty"`

	// ExpectedState is the terminal state the operation should converge to.
	ExpectedState ComponentState `json:"expected_state"`

	// Backend is the broker backend ID supplying credentials for this target.
	Backend string `json:"backend"`

	// Backends maps adapter kinds to alternate broker backend IDs.
	Backends map[AdapterKind]string `json:"backends,omitempty"`

	// Labels carries adapter-specific settings (namespace selectors,
	// probe flags) the core treats as opaque.
	Labels map[string]string `json:"labels,omitempty"`
}

// EndpointFor returns the address a strategy of the given kind should use,
// falling back to the primary endpoint.
func (t *Target) EndpointFor(kind AdapterKind) string {
	if ep, ok := t.Endpoints[kind]; ok && ep != "" {
		return ep
	}
	if kind == t.AdapterKind {
		return t.Endpoint
	}
	return ""
}

// BackendFor returns the broker backend ID for a strategy of the given
// kind, falling back to the primary backend.
func (t *Target) BackendFor(kind AdapterKind) string {
	if b, ok := t.Backends[kind]; ok && b != "" {
		return b
	}
	return t.Backend
}

// Validate checks target structure.
func (t *Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name is required")
	}
	if err := t.AdapterKind.Validate(); err != nil {
		return err
	}
	if t.Endpoint == "" && len(t.Endpoints) == 0 {
		return fmt.Errorf("target has no endpoint")
	}
	return nil
}

// Strategy is one fallback candidate for accomplishing a phase's
// operation on a target. Chains are tried in ascending priority order.
type Strategy struct {
	// AdapterKind selects the adapter that executes this strategy.
	AdapterKind AdapterKind `json:"adapter_kind"`

	// Priority orders the chain; lower runs first.
	Priority int `json:"priority"`

	// AttemptCap bounds retries of this strategy on transient errors.
	// Zero means the controller default.
	AttemptCap int `json:"attempt_cap,omitempty"`
}

// Validate checks strategy structure.
func (s *Strategy) Validate() error {
	if err := s.AdapterKind.Validate(); err != nil {
		return err
	}
	if s.AttemptCap < 0 {
		return fmt.Errorf("attempt cap must be non-negative")
	}
	return nil
}

// Attempt records one invocation of one strategy against one target.
// Attempts are ephemeral; only the final per-target result matters for
// resumability.
type Attempt struct {
	// Strategy is the adapter kind that executed the attempt.
	Strategy AdapterKind `json:"strategy"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the attempt took, including any await.
	Duration time.Duration `json:"duration"`

	// Outcome classifies how the attempt ended.
	Outcome AttemptOutcome `json:"outcome"`

	// Detail is the backend detail string for operator diagnosis.
	Detail string `json:"detail,omitempty"`
}

// Result is the terminal per-target outcome plus the attempts that
// produced it.
type Result struct {
	// Target is the name of the target this result belongs to.
	Target string `json:"target"`

	// Outcome is the terminal classification.
	Outcome ResultOutcome `json:"outcome"`

	// Attempts lists every strategy invocation, in order.
	Attempts []Attempt `json:"attempts,omitempty"`

	// Detail carries the last classified error or convergence detail for
	// any non-succeeded outcome.
	Detail string `json:"detail,omitempty"`
}

// PhaseResult aggregates target results for one phase. The counts, not a
// single boolean, are the unit reported to operators.
type PhaseResult struct {
	// PhaseID is the phase this aggregate belongs to.
	PhaseID string `json:"phase_id"`

	// Label is the operator-facing phase name.
	Label string `json:"label"`

	// Outcome is the aggregate classification for continuation decisions.
	Outcome ResultOutcome `json:"outcome"`

	// Total is the number of targets the phase resolved.
	Total int `json:"total"`

	// Succeeded counts targets that reached their expected state.
	Succeeded int `json:"succeeded"`

	// Failed counts targets whose strategy chains were exhausted.
	Failed int `json:"failed"`

	// Skipped counts targets never attempted.
	Skipped int `json:"skipped"`

	// Degraded counts targets accepted but never observed converged.
	Degraded int `json:"degraded"`

	// StartedAt is when the phase began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the phase took.
	Duration time.Duration `json:"duration"`

	// Results holds the per-target results.
	Results []Result `json:"results,omitempty"`
}

// Aggregate recomputes the counts and the aggregate outcome from Results.
// The aggregate is failed only when every resolved target failed;
// a mix of failures or degradations alongside successes is degraded.
func (pr *PhaseResult) Aggregate() {
	pr.Total = len(pr.Results)
	pr.Succeeded, pr.Failed, pr.Skipped, pr.Degraded = 0, 0, 0, 0
	for i := range pr.Results {
		switch pr.Results[i].Outcome {
		case ResultSucceeded:
			pr.Succeeded++
		case ResultFailed:
			pr.Failed++
		case ResultSkipped:
			pr.Skipped++
		case ResultDegraded:
			pr.Degraded++
		}
	}
	switch {
	case pr.Total == 0:
		pr.Outcome = ResultSkipped
	case pr.Failed == pr.Total:
		pr.Outcome = ResultFailed
	case pr.Failed > 0 || pr.Degraded > 0:
		pr.Outcome = ResultDegraded
	case pr.Skipped == pr.Total:
		pr.Outcome = ResultSkipped
	default:
		pr.Outcome = ResultSucceeded
	}
}

// RunOptions selects what a run covers and how aggressively it waits.
type RunOptions struct {
	// RunID, when set, pins the run identifier so callers can correlate
	// logs, spans, and events before the report exists. Empty means a
	// fresh UUID is generated.
	RunID string `json:"run_id,omitempty"`

	// PhaseID, when set, runs exactly that phase (plus prerequisite
	// session setup).
	PhaseID string `json:"phase_id,omitempty"`

	// DryRun restricts every attempt to status reads.
	DryRun bool `json:"dry_run,omitempty"`

	// Quick skips post-phase settle delays.
	Quick bool `json:"quick,omitempty"`

	// IncludeHosts gates host-level phases.
	IncludeHosts bool `json:"include_hosts"`
}

// Mode derives the run mode from the options.
func (o RunOptions) Mode() RunMode {
	switch {
	case o.DryRun:
		return RunModeDryRun
	case o.PhaseID != "":
		return RunModeSinglePhase
	default:
		return RunModeFull
	}
}

// RunState is the transient in-memory position of one run. Re-running is
// safe because operations are idempotent, not because state is
// checkpointed.
type RunState struct {
	// PlanID is the plan being executed.
	PlanID string `json:"plan_id"`

	// CurrentPhaseIndex is the position in the plan's phase order.
	CurrentPhaseIndex int `json:"current_phase_index"`

	// Mode is how much of the plan the run covers.
	Mode RunMode `json:"mode"`

	// Quick mirrors RunOptions.Quick.
	Quick bool `json:"quick"`

	// HostsIncluded mirrors RunOptions.IncludeHosts.
	HostsIncluded bool `json:"hosts_included"`
}

// RunReport is the structured summary of one run.
type RunReport struct {
	// RunID uniquely identifies this invocation.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Mode is how much of the plan the run covered.
	Mode RunMode `json:"mode"`

	// Quick records whether settle delays were skipped.
	Quick bool `json:"quick"`

	// HostsIncluded records whether host phases were in scope.
	HostsIncluded bool `json:"hosts_included"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the run took.
	Duration time.Duration `json:"duration"`

	// Phases holds one aggregate per phase, in plan order.
	Phases []PhaseResult `json:"phases"`

	// Cancelled records whether the run was aborted by the operator.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Succeeded returns true when every phase succeeded or was skipped.
func (r *RunReport) Succeeded() bool {
	for i := range r.Phases {
		switch r.Phases[i].Outcome {
		case ResultSucceeded, ResultSkipped:
		default:
			return false
		}
	}
	return !r.Cancelled
}

// Degraded returns true when any phase ended degraded or failed.
func (r *RunReport) Degraded() bool {
	for i := range r.Phases {
		switch r.Phases[i].Outcome {
		case ResultDegraded, ResultFailed:
			return true
		}
	}
	return false
}

// StateSnapshot is a non-mutating read of a target's observed state.
type StateSnapshot struct {
	// State is the observed lifecycle state.
	State ComponentState `json:"state"`

	// Detail is backend-specific context for the observation.
	Detail string `json:"detail,omitempty"`

	// ObservedAt is when the read happened.
	ObservedAt time.Time `json:"observed_at"`
}

// Event is one entry in the run timeline emitted to reporters.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// PhaseID is the phase the event concerns, if any.
	PhaseID string `json:"phase_id,omitempty"`

	// Target is the target the event concerns, if any.
	Target string `json:"target,omitempty"`

	// Message is the human-readable event text.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Details contains event-specific structured data.
	Details map[string]interface{} `json:"details,omitempty"`
}

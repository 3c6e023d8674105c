package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Builtin schemas are compiled from embedded constants; failing to
	// compile them is a programming error.
	if err := sr.registerBuiltInSchemas(); err != nil {
		panic(err)
	}

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	builtins := map[string]string{
		"fleet":    builtinFleetSchema,
		"backend":  builtinBackendSchema,
		"target":   builtinTargetSchema,
		"strategy": builtinStrategySchema,
		"phase":    builtinPhaseSchema,
		"plan":     builtinPlanSchema,
	}
	for name, schema := range builtins {
		if err := sr.RegisterSchema(name, schema); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSchema registers a CUE schema with the given name. The schema
// source must evaluate to the constraint itself, typically by embedding
// a definition at file scope.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema %s: %w", schemaName, err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateFleet validates a full fleet document. Callers pass either
// the raw decoded YAML map or a Config value.
func (sr *SchemaRegistry) ValidateFleet(ctx context.Context, doc interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "fleet", doc)
}

// ValidateBackend validates a backend declaration.
func (sr *SchemaRegistry) ValidateBackend(ctx context.Context, backend BackendConfig) error {
	return sr.ValidateAgainstSchema(ctx, "backend", backend)
}

// ValidateTarget validates a target declaration.
func (sr *SchemaRegistry) ValidateTarget(ctx context.Context, target TargetConfig) error {
	return sr.ValidateAgainstSchema(ctx, "target", target)
}

// ValidateStrategy validates a fallback strategy declaration.
func (sr *SchemaRegistry) ValidateStrategy(ctx context.Context, strategy StrategyConfig) error {
	return sr.ValidateAgainstSchema(ctx, "strategy", strategy)
}

// ValidatePhase validates a phase declaration.
func (sr *SchemaRegistry) ValidatePhase(ctx context.Context, phase PhaseConfig) error {
	return sr.ValidateAgainstSchema(ctx, "phase", phase)
}

// ValidatePlan validates a plan declaration.
func (sr *SchemaRegistry) ValidatePlan(ctx context.Context, plan PlanConfig) error {
	return sr.ValidateAgainstSchema(ctx, "plan", plan)
}

// Shared definition fragments. Each builtin schema concatenates the
// fragments it references and embeds its own definition at file scope,
// so every registered schema is self-contained and closed.

const cueAdapterKindDef = `
// AdapterKind enumerates the backend varieties
#AdapterKind: "token-rest" | "basic-rest" | "ssh" | "kube"
`

const cueComponentStateDef = `
// ComponentState enumerates observable lifecycle states
#ComponentState: "running" | "stopping" | "stopped" | "starting" | "degraded" | "unknown"
`

const cueDurationDef = `
// Duration is a Go duration string such as "30s" or "1m30s"
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"
`

const cueBackendDef = `
// Backend declares one credential backend for the session broker
#Backend: {
	// ID is the backend identifier targets reference
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// Kind is the session kind
	kind: "token" | "basic" | "ssh"

	// AuthURL is the login endpoint for token backends
	auth_url?: string

	// Username for login, basic auth, or SSH
	username?: string

	// Password for login, basic auth, or SSH
	password?: string

	// PasswordEnv names an environment variable supplying the password
	password_env?: string

	// KeyPath is the SSH private key path
	key_path?: string

	// TokenTTL is the fallback session lifetime in seconds
	token_ttl?: int & >=60
}
`

const cueTargetDef = `
// Target declares one addressable component
#Target: {
	// Name is the unique target name
	name: string & =~"^[a-zA-Z0-9._-]+$"

	// Kind is the target's native adapter kind
	kind: #AdapterKind

	// Endpoint is the primary address
	endpoint?: string

	// Endpoints maps adapter kinds to alternate addresses
	endpoints?: {[#AdapterKind]: string}

	// ExpectedState overrides the operation's default convergence state
	expected_state?: #ComponentState

	// Backend is the credential backend ID
	backend?: string

	// Backends maps adapter kinds to alternate backend IDs
	backends?: {[#AdapterKind]: string}

	// Labels carries adapter-specific settings
	labels?: {[string]: string}
}
`

const cueStrategyDef = `
// Strategy declares one fallback strategy
#Strategy: {
	// Kind selects the adapter that executes this strategy
	kind: #AdapterKind

	// Priority orders the chain; lower runs first
	priority?: int & >=0

	// AttemptCap overrides the transient retry bound
	attempt_cap?: int & >=1 & <=10
}
`

const cuePhaseDef = `
// Phase declares one phase of a plan
#Phase: {
	// ID is the stable phase identifier
	id: string & =~"^[a-z0-9][a-z0-9_-]*$"

	// Label is the operator-facing phase name
	label?: string

	// Operation is the lifecycle verb
	operation: "shutdown" | "startup" | "query"

	// Group names the target group this phase acts on
	group?: string

	// Targets lists inline targets
	targets?: [...#Target]

	// Fallbacks is the ordered strategy chain tried per target
	fallbacks?: [...#Strategy]

	// Concurrency bounds parallel targets
	concurrency?: int & >=1

	// NonBlocking lets the run continue past an aggregate failure
	non_blocking?: bool

	// SkipWhen is a Starlark predicate over the run facts
	skip_when?: string

	// After lists phase IDs this phase must follow
	after?: [...string]

	// SettleDelay is the post-phase safety wait
	settle_delay?: #Duration

	// HostPhase gates the phase behind the include-hosts option
	host_phase?: bool

	// AwaitInterval is the convergence poll interval
	await_interval?: #Duration

	// AwaitBudget is the convergence wait ceiling per target
	await_budget?: #Duration
}
`

const cuePlanDef = `
// Plan declares one runnable phase sequence
#Plan: {
	// ID identifies the plan
	id: string & =~"^[a-z0-9][a-z0-9_-]*$"

	// Description is a human-readable summary
	description?: string

	// Prerequisites lists extra backend IDs to establish up front
	prerequisites?: [...string]

	// Phases is the strict execution order
	phases: [#Phase, ...#Phase]
}
`

const cueFleetDef = `
// Fleet is the root configuration document
#Fleet: {
	// Site names the installation
	site: string & =~"^[a-zA-Z0-9._-]+$"

	// Defaults supplies fleet-wide settings phases inherit
	defaults?: {
		attempt_cap?:    int & >=1 & <=10
		retry_delay?:    #Duration
		await_interval?: #Duration
		await_budget?:   #Duration
		concurrency?:    int & >=1
		settle_delay?:   #Duration
	}

	// Backends declares the credential backends
	backends?: [...#Backend]

	// Groups are named target sets referenced by phases
	groups?: {[string]: [...#Target]}

	// Plans are the runnable phase sequences
	plans: [#Plan, ...#Plan]
}
`

// Built-in schema definitions.

const builtinFleetSchema = cueAdapterKindDef + cueComponentStateDef + cueDurationDef +
	cueBackendDef + cueTargetDef + cueStrategyDef + cuePhaseDef + cuePlanDef + cueFleetDef + `
#Fleet
`

const builtinBackendSchema = cueBackendDef + `
#Backend
`

const builtinTargetSchema = cueAdapterKindDef + cueComponentStateDef + cueTargetDef + `
#Target
`

const builtinStrategySchema = cueAdapterKindDef + cueStrategyDef + `
#Strategy
`

const builtinPhaseSchema = cueAdapterKindDef + cueComponentStateDef + cueDurationDef +
	cueTargetDef + cueStrategyDef + cuePhaseDef + `
#Phase
`

const builtinPlanSchema = cueAdapterKindDef + cueComponentStateDef + cueDurationDef +
	cueTargetDef + cueStrategyDef + cuePhaseDef + cuePlanDef + `
#Plan
`

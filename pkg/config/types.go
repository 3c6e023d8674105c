package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
)

// Config is the root fleet configuration document. One YAML file
// describes the site: its credential backends, named target groups,
// and the plans that sequence operations over them.
type Config struct {
	// Site names the installation (used in logs and the run journal).
	Site string `yaml:"site" json:"site" validate:"required"`

	// Defaults supplies fleet-wide retry and await settings that phases
	// inherit unless they override them.
	Defaults DefaultsConfig `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Backends declares the credential backends the session broker
	// serves. Targets reference them by ID.
	Backends []BackendConfig `yaml:"backends,omitempty" json:"backends,omitempty" validate:"dive"`

	// Groups are named target sets (workloads, managers, hosts, edge).
	// Phases reference groups by name; a referenced group that is not
	// configured resolves to an empty set, not an error.
	Groups map[string][]TargetConfig `yaml:"groups,omitempty" json:"groups,omitempty" validate:"dive,dive"`

	// Plans are the runnable phase sequences.
	Plans []PlanConfig `yaml:"plans" json:"plans" validate:"required,min=1,dive"`
}

// DefaultsConfig holds fleet-wide settings phases inherit.
type DefaultsConfig struct {
	// AttemptCap bounds retries of one strategy on transient errors.
	AttemptCap int `yaml:"attempt_cap,omitempty" json:"attempt_cap,omitempty" validate:"omitempty,min=1,max=10"`

	// RetryDelay is the fixed wait between retries of one strategy.
	RetryDelay Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// AwaitInterval is the convergence poll interval.
	AwaitInterval Duration `yaml:"await_interval,omitempty" json:"await_interval,omitempty"`

	// AwaitBudget is the total convergence wait ceiling per target.
	AwaitBudget Duration `yaml:"await_budget,omitempty" json:"await_budget,omitempty"`

	// Concurrency bounds how many targets run in parallel per phase.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"omitempty,min=1"`

	// SettleDelay is the post-phase safety wait. Quick runs skip it.
	SettleDelay Duration `yaml:"settle_delay,omitempty" json:"settle_delay,omitempty"`
}

// BackendConfig declares one credential backend for the session broker.
type BackendConfig struct {
	// ID is the backend identifier targets reference.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Kind is the session kind: token, basic, or ssh.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=token basic ssh"`

	// AuthURL is the login endpoint for token backends.
	AuthURL string `yaml:"auth_url,omitempty" json:"auth_url,omitempty" validate:"omitempty,url"`

	// Username for login, basic auth, or SSH.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Password for login, basic auth, or SSH. Prefer PasswordEnv.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// PasswordEnv names an environment variable supplying the password,
	// taking precedence over Password.
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`

	// KeyPath is the SSH private key path.
	KeyPath string `yaml:"key_path,omitempty" json:"key_path,omitempty"`

	// TokenTTL is the fallback session lifetime in seconds for token
	// backends whose tokens carry no expiry of their own.
	TokenTTL int `yaml:"token_ttl,omitempty" json:"token_ttl,omitempty" validate:"omitempty,min=60"`
}

// ToCredential converts the backend declaration into the broker's
// credential form.
func (b *BackendConfig) ToCredential() *broker.Credential {
	return &broker.Credential{
		BackendID:   b.ID,
		Kind:        broker.SessionKind(b.Kind),
		AuthURL:     b.AuthURL,
		Username:    b.Username,
		Password:    b.Password,
		PasswordEnv: b.PasswordEnv,
		KeyPath:     b.KeyPath,
		TokenTTL:    b.TokenTTL,
	}
}

// TargetConfig declares one addressable component.
type TargetConfig struct {
	// Name is the unique target name within its group or phase.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Kind is the target's native adapter kind.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=token-rest basic-rest ssh kube"`

	// Endpoint is the primary address (URL, host:port, context name).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Endpoints maps adapter kinds to alternate addresses for fallback
	// strategies.
	Endpoints map[string]string `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`

	// ExpectedState overrides the operation's default convergence state.
	ExpectedState string `yaml:"expected_state,omitempty" json:"expected_state,omitempty" validate:"omitempty,oneof=running stopping stopped starting degraded unknown"`

	// Backend is the credential backend ID for this target.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Backends maps adapter kinds to alternate backend IDs.
	Backends map[string]string `yaml:"backends,omitempty" json:"backends,omitempty"`

	// Labels carries adapter-specific settings the core treats as opaque.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ToTarget converts the declaration into an engine target, validating
// every adapter kind reference.
func (t *TargetConfig) ToTarget() (engine.Target, error) {
	kind := engine.AdapterKind(t.Kind)
	if err := kind.Validate(); err != nil {
		return engine.Target{}, fmt.Errorf("target %s: %w", t.Name, err)
	}

	target := engine.Target{
		Name:          t.Name,
		AdapterKind:   kind,
		Endpoint:      t.Endpoint,
		ExpectedState: engine.ComponentState(t.ExpectedState),
		Backend:       t.Backend,
		Labels:        t.Labels,
	}

	if len(t.Endpoints) > 0 {
		target.Endpoints = make(map[engine.AdapterKind]string, len(t.Endpoints))
		for k, ep := range t.Endpoints {
			ek := engine.AdapterKind(k)
			if err := ek.Validate(); err != nil {
				return engine.Target{}, fmt.Errorf("target %s endpoints: %w", t.Name, err)
			}
			target.Endpoints[ek] = ep
		}
	}
	if len(t.Backends) > 0 {
		target.Backends = make(map[engine.AdapterKind]string, len(t.Backends))
		for k, id := range t.Backends {
			ek := engine.AdapterKind(k)
			if err := ek.Validate(); err != nil {
				return engine.Target{}, fmt.Errorf("target %s backends: %w", t.Name, err)
			}
			target.Backends[ek] = id
		}
	}
	return target, nil
}

// PlanConfig declares one runnable plan.
type PlanConfig struct {
	// ID identifies the plan (shutdown, startup, status).
	ID string `yaml:"id" json:"id" validate:"required"`

	// Description is a human-readable summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Prerequisites lists extra backend IDs to establish sessions for
	// before any phase runs, beyond those derived from the plan's targets.
	Prerequisites []string `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`

	// Phases is the strict execution order.
	Phases []PhaseConfig `yaml:"phases" json:"phases" validate:"required,min=1,dive"`
}

// PhaseConfig declares one phase of a plan.
type PhaseConfig struct {
	// ID is the stable phase identifier.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Label is the operator-facing phase name. Defaults to the ID.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`

	// Operation is the lifecycle verb applied to every target.
	Operation string `yaml:"operation" json:"operation" validate:"required,oneof=shutdown startup query"`

	// Group names the target group this phase acts on. Missing groups
	// resolve to an empty set.
	Group string `yaml:"group,omitempty" json:"group,omitempty"`

	// Targets lists inline targets, appended after the group's.
	Targets []TargetConfig `yaml:"targets,omitempty" json:"targets,omitempty" validate:"dive"`

	// Fallbacks is the ordered strategy chain tried per target.
	Fallbacks []StrategyConfig `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty" validate:"dive"`

	// Concurrency bounds parallel targets. Zero inherits the default.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"omitempty,min=1"`

	// NonBlocking lets the run continue past an aggregate failure here.
	NonBlocking bool `yaml:"non_blocking,omitempty" json:"non_blocking,omitempty"`

	// SkipWhen is a Starlark predicate; the phase is skipped when it
	// evaluates true against the run facts.
	SkipWhen string `yaml:"skip_when,omitempty" json:"skip_when,omitempty"`

	// After lists phase IDs this phase must follow in the declared order.
	After []string `yaml:"after,omitempty" json:"after,omitempty"`

	// SettleDelay overrides the default post-phase wait.
	SettleDelay Duration `yaml:"settle_delay,omitempty" json:"settle_delay,omitempty"`

	// HostPhase marks phases gated behind the include-hosts option.
	HostPhase bool `yaml:"host_phase,omitempty" json:"host_phase,omitempty"`

	// AwaitInterval overrides the default convergence poll interval.
	AwaitInterval Duration `yaml:"await_interval,omitempty" json:"await_interval,omitempty"`

	// AwaitBudget overrides the default convergence wait ceiling.
	AwaitBudget Duration `yaml:"await_budget,omitempty" json:"await_budget,omitempty"`
}

// StrategyConfig declares one fallback strategy.
type StrategyConfig struct {
	// Kind selects the adapter that executes this strategy.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=token-rest basic-rest ssh kube"`

	// Priority orders the chain; lower runs first. Defaults to the
	// position in the list.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty" validate:"omitempty,min=0"`

	// AttemptCap overrides the default transient retry bound.
	AttemptCap int `yaml:"attempt_cap,omitempty" json:"attempt_cap,omitempty" validate:"omitempty,min=1"`
}

// Duration is a time.Duration that unmarshals from duration strings
// such as "30s", "5m", or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ValidationError describes one configuration problem with enough
// location detail for an operator to find it.
type ValidationError struct {
	// File is the source file the error was found in.
	File string `json:"file,omitempty"`

	// Line is the line number, when known.
	Line int `json:"line,omitempty"`

	// Column is the column number, when known.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g. "plans[0].phases[2]").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	loc := ve.File
	if ve.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
	}
	if ve.Path != "" {
		if loc != "" {
			loc += " "
		}
		loc += ve.Path
	}
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}

// ValidationErrors aggregates the problems found in one document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ves ValidationErrors) Error() string {
	switch len(ves) {
	case 0:
		return "no validation errors"
	case 1:
		return ves[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more)", ves[0].Error(), len(ves)-1)
	}
}

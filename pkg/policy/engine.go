package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

// Engine compiles and evaluates plan guard policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	builtins []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin guards loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: BuiltinPolicies(),
	}

	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load builtin policies: %w", err)
	}

	return e, nil
}

// EvaluatePlan runs every enabled policy against a built plan. A nil
// evaluation context defaults to a validate-time check. Evaluation
// failures of individual policies land in Result.Warnings; only
// engine-level problems return an error.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, ectx *Context) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if ectx == nil {
		ectx = &Context{Operation: "validate"}
	}
	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = time.Now()
	}

	started := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{Plan: plan, Context: ectx}

	var violations []Violation
	var warnings []string
	evaluated := make([]string, 0, len(e.policies))

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		evaluated = append(evaluated, name)

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity.Blocking() {
			allowed = false
			break
		}
	}

	duration := time.Since(started)
	e.logger.Debug().
		Str("plan", plan.ID).
		Int("policies", len(evaluated)).
		Int("violations", len(violations)).
		Bool("allowed", allowed).
		Dur("duration", duration).
		Msg("Plan policy evaluation completed")

	return &Result{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedPolicies: evaluated,
		EvaluatedAt:       started,
		Duration:          duration,
	}, nil
}

// LoadPolicies compiles and registers policies from files or
// directories, on top of the builtins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ApplyPolicies(ctx, policies)
}

// ApplyPolicies compiles and registers the given policies. A policy
// with a known name replaces the existing one, so reloads can override
// builtins.
func (e *Engine) ApplyPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")

	return nil
}

// evaluatePolicy runs one prepared deny query and converts the findings.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// toViolation converts one deny finding. String findings become the
// message; object findings may carry message, severity, phase, and
// target keys.
func (e *Engine) toViolation(policy *Policy, finding interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := finding.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if phase, ok := v["phase"].(string); ok {
			violation.Phase = phase
		}
		if target, ok := v["target"].(string); ok {
			violation.Target = target
		}
	default:
		violation.Message = fmt.Sprintf("%v", finding)
	}

	return violation
}

// compileAndStore parses, prepares, and registers one policy. The deny
// query is prepared once here and reused for every evaluation.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("%s.deny", module.Package.Path.String())
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(policy.Name, policy.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled")

	return nil
}

// loadBuiltins compiles the builtin guard set.
func (e *Engine) loadBuiltins(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.builtins {
		if err := e.compileAndStore(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("builtin policy %s: %w", e.builtins[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtins)).
		Msg("Builtin policies loaded")

	return nil
}

// sortedNames returns policy names in evaluation order. Callers hold
// at least the read lock.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// ReloadPolicies drops everything, including enabled/disabled toggles,
// and recompiles a fresh builtin set. External paths must be loaded
// again afterwards.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.builtins = BuiltinPolicies()
	e.mu.Unlock()

	return e.loadBuiltins(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

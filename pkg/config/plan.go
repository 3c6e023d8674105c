package config

import (
	"fmt"
	"sort"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
)

// PlanIDs returns the configured plan IDs in declaration order.
func (c *Config) PlanIDs() []string {
	ids := make([]string, len(c.Plans))
	for i := range c.Plans {
		ids[i] = c.Plans[i].ID
	}
	return ids
}

// CredentialSource builds the broker's credential source from the
// configured backends.
func (c *Config) CredentialSource() broker.StaticSource {
	src := make(broker.StaticSource, len(c.Backends))
	for i := range c.Backends {
		src[c.Backends[i].ID] = c.Backends[i].ToCredential()
	}
	return src
}

// BuildPlan resolves the named plan into an engine plan: group
// references expanded, fleet defaults merged into phases, fallback
// priorities assigned, and session prerequisites derived from the
// targets' backends.
func (c *Config) BuildPlan(id string) (*engine.Plan, error) {
	pc := c.planByID(id)
	if pc == nil {
		return nil, fmt.Errorf("plan %q is not configured", id)
	}

	plan := &engine.Plan{
		ID:          pc.ID,
		Description: pc.Description,
	}

	for i := range pc.Phases {
		phase, err := c.buildPhase(&pc.Phases[i])
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.ID, err)
		}
		plan.Phases = append(plan.Phases, phase)
	}

	plan.Prerequisites = c.prerequisitesFor(pc, plan)

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", pc.ID, err)
	}
	if err := engine.VerifyPhaseOrder(plan); err != nil {
		return nil, fmt.Errorf("plan %s: %w", pc.ID, err)
	}
	return plan, nil
}

func (c *Config) planByID(id string) *PlanConfig {
	for i := range c.Plans {
		if c.Plans[i].ID == id {
			return &c.Plans[i]
		}
	}
	return nil
}

func (c *Config) buildPhase(pc *PhaseConfig) (engine.Phase, error) {
	op := engine.Operation(pc.Operation)
	if err := op.Validate(); err != nil {
		return engine.Phase{}, fmt.Errorf("phase %s: %w", pc.ID, err)
	}

	phase := engine.Phase{
		ID:            pc.ID,
		Label:         pc.Label,
		Operation:     op,
		NonBlocking:   pc.NonBlocking,
		SkipWhen:      pc.SkipWhen,
		After:         pc.After,
		HostPhase:     pc.HostPhase,
		Concurrency:   pc.Concurrency,
		SettleDelay:   pc.SettleDelay.Std(),
		AwaitInterval: pc.AwaitInterval.Std(),
		AwaitBudget:   pc.AwaitBudget.Std(),
	}
	if phase.Label == "" {
		phase.Label = pc.ID
	}
	if phase.Concurrency == 0 {
		phase.Concurrency = c.Defaults.Concurrency
	}
	if phase.SettleDelay == 0 {
		phase.SettleDelay = c.Defaults.SettleDelay.Std()
	}
	if phase.AwaitInterval == 0 {
		phase.AwaitInterval = c.Defaults.AwaitInterval.Std()
	}
	if phase.AwaitBudget == 0 {
		phase.AwaitBudget = c.Defaults.AwaitBudget.Std()
	}

	// An unconfigured group resolves to an empty set; the executor then
	// skips the phase.
	for i := range c.Groups[pc.Group] {
		target, err := c.Groups[pc.Group][i].ToTarget()
		if err != nil {
			return engine.Phase{}, fmt.Errorf("phase %s: %w", pc.ID, err)
		}
		phase.Targets = append(phase.Targets, target)
	}
	for i := range pc.Targets {
		target, err := pc.Targets[i].ToTarget()
		if err != nil {
			return engine.Phase{}, fmt.Errorf("phase %s: %w", pc.ID, err)
		}
		phase.Targets = append(phase.Targets, target)
	}

	for i := range pc.Fallbacks {
		fc := &pc.Fallbacks[i]
		strat := engine.Strategy{
			AdapterKind: engine.AdapterKind(fc.Kind),
			Priority:    fc.Priority,
			AttemptCap:  fc.AttemptCap,
		}
		if strat.Priority == 0 {
			strat.Priority = i
		}
		phase.Fallbacks = append(phase.Fallbacks, strat)
	}

	return phase, nil
}

// prerequisitesFor returns the backend IDs whose sessions the executor
// establishes up front: the plan's declared prerequisites followed by
// every backend its targets reference, first appearance order, no
// duplicates.
func (c *Config) prerequisitesFor(pc *PlanConfig, plan *engine.Plan) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, id := range pc.Prerequisites {
		add(id)
	}
	for pi := range plan.Phases {
		for ti := range plan.Phases[pi].Targets {
			t := &plan.Phases[pi].Targets[ti]
			add(t.Backend)
			kinds := make([]string, 0, len(t.Backends))
			for k := range t.Backends {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				add(t.Backends[engine.AdapterKind(k)])
			}
		}
	}
	return out
}

// CrossCheck verifies the references between config sections: backend
// IDs resolve, plan and phase IDs are unique, after dependencies name
// earlier phases, and every phase with targets carries a fallback
// chain. It reports every problem found rather than stopping at the
// first.
func (c *Config) CrossCheck() ValidationErrors {
	var ves ValidationErrors
	report := func(path, format string, args ...interface{}) {
		ves = append(ves, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	backendIDs := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		id := c.Backends[i].ID
		if backendIDs[id] {
			report(fmt.Sprintf("backends[%d]", i), "duplicate backend ID %q", id)
			continue
		}
		backendIDs[id] = true
	}

	checkTargetBackends := func(path string, t *TargetConfig) {
		if t.Backend != "" && !backendIDs[t.Backend] {
			report(path, "target %s references unknown backend %q", t.Name, t.Backend)
		}
		for kind, id := range t.Backends {
			if id != "" && !backendIDs[id] {
				report(path, "target %s references unknown backend %q for kind %s", t.Name, id, kind)
			}
		}
	}

	groupNames := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)
	for _, name := range groupNames {
		seen := make(map[string]bool)
		for i := range c.Groups[name] {
			t := &c.Groups[name][i]
			path := fmt.Sprintf("groups.%s[%d]", name, i)
			if seen[t.Name] {
				report(path, "duplicate target name %q in group", t.Name)
			}
			seen[t.Name] = true
			checkTargetBackends(path, t)
		}
	}

	planIDs := make(map[string]bool, len(c.Plans))
	for pi := range c.Plans {
		plan := &c.Plans[pi]
		planPath := fmt.Sprintf("plans[%d]", pi)
		if planIDs[plan.ID] {
			report(planPath, "duplicate plan ID %q", plan.ID)
		}
		planIDs[plan.ID] = true

		for _, id := range plan.Prerequisites {
			if !backendIDs[id] {
				report(planPath, "prerequisite references unknown backend %q", id)
			}
		}

		phaseIndex := make(map[string]int, len(plan.Phases))
		for phi := range plan.Phases {
			phase := &plan.Phases[phi]
			phasePath := fmt.Sprintf("%s.phases[%d]", planPath, phi)
			if _, dup := phaseIndex[phase.ID]; dup {
				report(phasePath, "duplicate phase ID %q", phase.ID)
			}
			phaseIndex[phase.ID] = phi

			for _, dep := range phase.After {
				depIdx, ok := phaseIndex[dep]
				if !ok {
					report(phasePath, "phase %s must follow %q, which is not an earlier phase", phase.ID, dep)
					continue
				}
				if depIdx >= phi {
					report(phasePath, "phase %s must follow %q, which is declared later", phase.ID, dep)
				}
			}

			resolved := len(c.Groups[phase.Group]) + len(phase.Targets)
			if resolved > 0 && len(phase.Fallbacks) == 0 {
				report(phasePath, "phase %s has targets but no fallback strategies", phase.ID)
			}

			seen := make(map[string]bool)
			for i := range c.Groups[phase.Group] {
				seen[c.Groups[phase.Group][i].Name] = true
			}
			for i := range phase.Targets {
				t := &phase.Targets[i]
				path := fmt.Sprintf("%s.targets[%d]", phasePath, i)
				if seen[t.Name] {
					report(path, "duplicate target name %q in phase %s", t.Name, phase.ID)
				}
				seen[t.Name] = true
				checkTargetBackends(path, t)
			}
		}
	}

	return ves
}

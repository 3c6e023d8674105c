// Package policy provides Open Policy Agent (OPA) plan guards for
// rackcycle.
//
// Policies are Rego rules evaluated against built plans before they
// run. The builtin set encodes the safety conventions of lifecycle
// sequencing; operators extend it with their own .rego files.
//
// # Architecture
//
// The package has three parts:
//
//  1. Engine - compiles policies and evaluates their deny sets
//  2. Loader - loads .rego and .json policies from files and
//     directories, optionally watching them for changes
//  3. Builtin policies - the guard set every engine starts with
//
// # Usage
//
// Creating an engine and checking a plan:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluatePlan(ctx, plan, &policy.Context{Operation: "run"})
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Blocking() {
//	        fmt.Printf("policy %s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// Loading operator policies on top of the builtins:
//
//	err = eng.LoadPolicies(ctx, []string{"/etc/rackcycle/policies"})
//
// # Builtin Policies
//
//  1. phase-ordering - host phases last in shutdown plans, first in
//     startup plans
//  2. concurrency-bounds - per-phase parallelism within limits
//  3. endpoint-hygiene - no embedded credentials, no plain HTTP to
//     non-local REST backends
//  4. fallback-depth - mutating host phases should carry a fallback
//     strategy
//
// # Custom Policies
//
// A custom policy reports findings through a deny set in rego.v1
// syntax. The evaluation input carries the plan under input.plan with
// the engine's JSON field names, plus input.context:
//
//	package custom.policies.settle
//
//	import rego.v1
//
//	deny contains violation if {
//	    some phase in input.plan.phases
//	    phase.operation == "shutdown"
//	    not phase.host_phase
//	    not phase.settle_delay
//	    violation := {
//	        "message": sprintf("shutdown phase %s has no settle delay", [phase.id]),
//	        "severity": "warning",
//	        "phase": phase.id,
//	    }
//	}
//
// A finding may be a bare string or an object with message, severity,
// phase, and target keys; missing severities fall back to the policy's
// default.
//
// # Severity Levels
//
// Findings carry one of four severities: info, warning, error,
// critical. Error and critical findings clear Result.Allowed and block
// the run; info and warning findings are advisory.
//
// # Hot Reload
//
// The loader can watch policy paths and hand the reloaded set to the
// engine after each settled burst of file changes:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ApplyPolicies(ctx, policies)
//	})
//
// # Performance
//
// Each policy's deny query is prepared once at compile time and reused
// for every evaluation.
package policy

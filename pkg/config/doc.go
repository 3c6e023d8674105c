// Package config loads and validates rackcycle fleet configuration
// and resolves it into executable engine plans.
//
// # Overview
//
// One YAML document describes a site: the credential backends the
// session broker serves, named target groups (workloads, managers,
// hosts, edge appliances), fleet-wide defaults, and the plans that
// sequence lifecycle operations over the groups.
//
// A document passes three gates before it becomes a Config:
//
//  1. The raw YAML is checked against the built-in fleet CUE schema,
//     which rejects unknown fields, malformed durations, and values
//     outside their enums or bounds.
//  2. The decoded types are checked against their struct tag rules.
//  3. Cross-references are resolved: backend IDs, phase dependency
//     clauses, duplicate names.
//
// Failures come back as ValidationErrors so callers can report every
// problem at once rather than one per attempt.
//
// # Components
//
// Loader: reads, schema-checks, and decodes fleet configuration. Its
// Watch method re-validates on file change for the validate --watch
// loop.
//
// SchemaRegistry: manages the CUE schemas. Built-in schemas cover the
// full document and each entity; custom schemas can be registered for
// site-specific validation.
//
// SkipEvaluator: sandboxed Starlark evaluation of phase skip
// predicates, with a hard deadline. Implements the engine's
// PredicateEvaluator.
//
// # Configuration Structure
//
//	site: dc-west
//
//	defaults:
//	  attempt_cap: 3
//	  retry_delay: 5s
//	  await_interval: 10s
//	  await_budget: 5m
//
//	backends:
//	  - id: manager-api
//	    kind: token
//	    auth_url: https://manager.rack.local/api/session
//	    username: operator
//	    password_env: RACKCYCLE_MANAGER_PASSWORD
//
//	groups:
//	  workloads:
//	    - name: app-cluster
//	      kind: kube
//	      endpoint: prod-apps
//	      labels: {namespaces: "payments,billing"}
//
//	plans:
//	  - id: shutdown
//	    phases:
//	      - id: workloads
//	        operation: shutdown
//	        group: workloads
//	        fallbacks:
//	          - kind: kube
//
// # Plan Resolution
//
// BuildPlan expands group references, merges defaults into phases,
// assigns fallback priorities, and derives the broker backends a run
// must establish sessions for. A phase referencing an unconfigured
// group resolves to an empty target set and is skipped at run time,
// so one document serves sites with and without optional tiers.
// Declared after clauses are verified against the phase order before
// the plan is handed to the engine.
//
// # Skip Predicates
//
// A phase's skip_when is a Starlark expression over the run facts
// (quick, hosts, dry_run, operation, target_count and friends):
//
//	skip_when: "quick and not hosts"
//
// Evaluation is sandboxed with no filesystem or network access and a
// hard deadline.
package config

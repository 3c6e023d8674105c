package policy

import (
	"time"
)

// BuiltinPolicies returns the guard set every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		phaseOrderingPolicy(),
		concurrencyBoundsPolicy(),
		endpointHygienePolicy(),
		fallbackDepthPolicy(),
	}
}

// phaseOrderingPolicy enforces the host-phase convention: when powering
// down, everything running on the hosts stops before the hosts; when
// powering up, the hosts come first.
func phaseOrderingPolicy() Policy {
	return Policy{
		Name:        "phase-ordering",
		Description: "Host phases must run last in shutdown plans and first in startup plans",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"ordering", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package rackcycle.policies.ordering

import rego.v1

deny contains violation if {
	phases := input.plan.phases
	some i, j
	phases[i].host_phase
	not phases[j].host_phase
	phases[i].operation == "shutdown"
	phases[j].operation == "shutdown"
	i < j
	violation := {
		"message": sprintf("shutdown phase %s acts on hosts before workload phase %s", [phases[i].id, phases[j].id]),
		"severity": "error",
		"phase": phases[i].id,
	}
}

deny contains violation if {
	phases := input.plan.phases
	some i, j
	not phases[i].host_phase
	phases[j].host_phase
	phases[i].operation == "startup"
	phases[j].operation == "startup"
	i < j
	violation := {
		"message": sprintf("startup phase %s starts workloads before host phase %s", [phases[i].id, phases[j].id]),
		"severity": "error",
		"phase": phases[i].id,
	}
}`,
	}
}

// concurrencyBoundsPolicy bounds per-phase parallelism.
func concurrencyBoundsPolicy() Policy {
	return Policy{
		Name:        "concurrency-bounds",
		Description: "Phase concurrency must stay within sane bounds",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"concurrency", "limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package rackcycle.policies.concurrency

import rego.v1

max_concurrency := 16

deny contains violation if {
	some phase in input.plan.phases
	phase.concurrency > max_concurrency
	violation := {
		"message": sprintf("phase %s concurrency %v exceeds the bound of %v", [phase.id, phase.concurrency, max_concurrency]),
		"severity": "error",
		"phase": phase.id,
	}
}

deny contains violation if {
	some phase in input.plan.phases
	count(phase.targets) > 0
	phase.concurrency > count(phase.targets)
	violation := {
		"message": sprintf("phase %s concurrency %v exceeds its %v targets", [phase.id, phase.concurrency, count(phase.targets)]),
		"severity": "warning",
		"phase": phase.id,
	}
}`,
	}
}

// endpointHygienePolicy flags endpoint smells: credentials embedded in
// URLs and plain HTTP to non-local REST backends.
func endpointHygienePolicy() Policy {
	return Policy{
		Name:        "endpoint-hygiene",
		Description: "Target endpoints must not embed credentials or speak plain HTTP off-host",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"endpoints", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package rackcycle.policies.endpoints

import rego.v1

rest_kinds := {"token-rest", "basic-rest"}

deny contains violation if {
	some phase in input.plan.phases
	some target in phase.targets
	regex.match(` + "`" + `^[a-z+]+://[^/@]+:[^/@]+@` + "`" + `, target.endpoint)
	violation := {
		"message": sprintf("target %s embeds credentials in its endpoint", [target.name]),
		"severity": "error",
		"phase": phase.id,
		"target": target.name,
	}
}

deny contains violation if {
	some phase in input.plan.phases
	some target in phase.targets
	target.adapter_kind in rest_kinds
	startswith(target.endpoint, "http://")
	not local_endpoint(target.endpoint)
	violation := {
		"message": sprintf("target %s uses plain http for a non-local endpoint", [target.name]),
		"severity": "warning",
		"phase": phase.id,
		"target": target.name,
	}
}

local_endpoint(url) if contains(url, "localhost")

local_endpoint(url) if contains(url, "127.0.0.1")`,
	}
}

// fallbackDepthPolicy nudges host phases toward real fallback chains.
// A host that ignores its manager's stop request needs a second way in.
func fallbackDepthPolicy() Policy {
	return Policy{
		Name:        "fallback-depth",
		Description: "Mutating host phases should carry more than one strategy",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"fallbacks", "resilience"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package rackcycle.policies.fallbacks

import rego.v1

deny contains violation if {
	some phase in input.plan.phases
	phase.host_phase
	phase.operation in {"shutdown", "startup"}
	count(phase.fallbacks) < 2
	violation := {
		"message": sprintf("host phase %s has a single strategy and no fallback", [phase.id]),
		"severity": "warning",
		"phase": phase.id,
	}
}`,
	}
}

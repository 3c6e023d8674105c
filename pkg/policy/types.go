package policy

import (
	"time"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do
	// not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block a run and demand
	// immediate attention.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one guard rule with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego contains the policy source. Rules use rego.v1 syntax and
	// report findings through a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for findings that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries additional policy metadata, such as the source
	// file for loaded policies.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single policy finding against a plan.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Phase is the offending phase ID, when the finding is phase-scoped.
	Phase string `json:"phase,omitempty"`

	// Target is the offending target name, when the finding is
	// target-scoped.
	Target string `json:"target,omitempty"`

	// Message is a human-readable description of the finding.
	Message string `json:"message"`

	// Severity is the finding's severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the finding was produced.
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating every enabled policy against one
// plan.
type Result struct {
	// Allowed indicates whether the plan may run. Any blocking
	// violation clears it.
	Allowed bool `json:"allowed"`

	// Violations lists all findings, blocking and advisory.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies whose evaluation itself failed; their
	// findings are unknown, not clean.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that stop a run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies evaluate. Field names follow the
// engine's JSON tags, so Rego rules address input.plan.phases[_].id and
// the like.
type Input struct {
	// Plan is the built plan under evaluation.
	Plan *engine.Plan `json:"plan"`

	// Context carries evaluation circumstances.
	Context *Context `json:"context"`
}

// Context describes the circumstances of one evaluation.
type Context struct {
	// Operation is what prompted the evaluation ("validate" or "run").
	Operation string `json:"operation"`

	// Mode is the run mode when Operation is "run".
	Mode string `json:"mode,omitempty"`

	// Quick indicates settle delays would be skipped.
	Quick bool `json:"quick"`

	// Timestamp is when the evaluation occurs.
	Timestamp time.Time `json:"timestamp"`
}

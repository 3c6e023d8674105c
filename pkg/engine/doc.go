// Package engine executes lifecycle plans: ordered phases of targets,
// each target driven through a prioritized fallback chain of adapter
// strategies with bounded retries and asynchronous state polling.
//
// # Execution model
//
// A Plan is a fixed sequence of Phases over named Targets. The
// Executor checks the plan's prerequisites, then runs phases strictly
// in order with a full barrier between them: no target of a later
// phase starts until every target of the current phase has finished.
// Targets inside a phase run in parallel up to the phase's
// concurrency. A phase that ends degraded or failed halts the
// sequence unless it is marked non-blocking, in which case its
// failures are recorded and the run continues.
//
// RunOptions select the mode: DryRun restricts every attempt to
// status reads, Quick skips post-phase settle delays, PhaseID runs a
// single phase, and IncludeHosts=false drops host-level phases. A
// phase with a skip expression is consulted through the
// PredicateEvaluator before any of its targets run.
//
// # Fallback chains
//
// Each phase carries Strategies in priority order. For one target the
// FallbackController walks the chain: strategies whose adapter cannot
// structurally reach the target are skipped, the rest are attempted
// under the attempt cap. Error classification drives the walk. A
// transient error retries the same strategy after the retry delay, a
// terminal error advances to the next strategy, an unauthenticated
// error triggers a single-flight session refresh and one fresh
// attempt, and a fatal error aborts the whole run. A target whose
// chain is exhausted becomes a failed TargetResult; the run degrades
// instead of crashing.
//
// # Asynchronous settling
//
// Backends acknowledge a transition before completing it. After an
// accepted transition the adapter polls the backend until the target
// converges, bounded by the phase's await budget. The poll verdict
// (ready, failed, partial, timed out) decides whether the attempt
// counts as success.
//
// # Results
//
// Every attempt, classification, and poll verdict ends up in the
// RunReport: per-phase aggregates and per-target attempt history with
// the last classified error. Reporters receive phase starts, phase
// results, and the final report; rendering is entirely their concern.
//
// The package's seams are Adapter, AdapterResolver, SessionBroker,
// Reporter, and PredicateEvaluator. Production implementations live
// in pkg/adapters, pkg/broker, pkg/report, and pkg/config.
package engine

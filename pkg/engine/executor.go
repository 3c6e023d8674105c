package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor drives a plan: phases strictly in order with a full barrier
// between them, targets within a phase in parallel up to the phase's
// concurrency limit.
type Executor struct {
	controller *FallbackController
	broker     SessionBroker
	reporter   Reporter
	predicates PredicateEvaluator
	logger     zerolog.Logger

	// sleep is injectable so settle delays are testable.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPredicateEvaluator wires a skip-expression evaluator.
func WithPredicateEvaluator(pe PredicateEvaluator) ExecutorOption {
	return func(e *Executor) {
		e.predicates = pe
	}
}

// WithSettleSleep overrides the settle-delay sleep function.
func WithSettleSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// NewExecutor creates an executor.
func NewExecutor(controller *FallbackController, sessions SessionBroker, reporter Reporter, logger zerolog.Logger, opts ...ExecutorOption) *Executor {
	if reporter == nil {
		reporter = NopReporter{}
	}
	e := &Executor{
		controller: controller,
		broker:     sessions,
		reporter:   reporter,
		logger:     logger.With().Str("component", "executor").Logger(),
		sleep:      sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the plan per the options and returns the structured
// report. Target-level failures are data in the report; the returned
// error is non-nil only for fatal conditions (invalid plan, unreachable
// prerequisite, missing adapter) and for operator cancellation.
func (e *Executor) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunReport, error) {
	if err := plan.Validate(); err != nil {
		return nil, NewFatalError("invalid plan", err).WithCode(ErrCodeValidation)
	}
	if opts.PhaseID != "" && plan.PhaseByID(opts.PhaseID) == nil {
		return nil, NewFatalError(
			fmt.Sprintf("plan %s has no phase %s", plan.ID, opts.PhaseID), nil).
			WithCode(ErrCodePhaseNotFound)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	report := &RunReport{
		RunID:         runID,
		PlanID:        plan.ID,
		Mode:          opts.Mode(),
		Quick:         opts.Quick,
		HostsIncluded: opts.IncludeHosts,
		StartedAt:     time.Now(),
	}
	state := RunState{
		PlanID:        plan.ID,
		Mode:          report.Mode,
		Quick:         opts.Quick,
		HostsIncluded: opts.IncludeHosts,
	}

	logger := e.logger.With().
		Str("run_id", report.RunID).
		Str("plan", plan.ID).
		Str("mode", string(report.Mode)).
		Logger()
	logger.Info().
		Bool("quick", opts.Quick).
		Bool("include_hosts", opts.IncludeHosts).
		Str("phase_filter", opts.PhaseID).
		Int("phases", len(plan.Phases)).
		Msg("Run started")

	// Prerequisite sessions come first, regardless of mode: a single-phase
	// run still gets the control-plane session other phases would have
	// established.
	if err := e.acquirePrerequisites(ctx, plan); err != nil {
		report.Duration = time.Since(report.StartedAt)
		return report, err
	}

	halted := false
	for i := range plan.Phases {
		phase := &plan.Phases[i]
		state.CurrentPhaseIndex = i

		if opts.PhaseID != "" && phase.ID != opts.PhaseID {
			continue
		}
		logger.Debug().
			Int("phase_index", state.CurrentPhaseIndex).
			Str("phase", phase.ID).
			Msg("Phase eligible")

		skipReason, err := e.skipReason(ctx, phase, opts, halted)
		if err != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, err
		}

		e.reporter.OnPhaseStart(phase)

		var pr PhaseResult
		if skipReason != "" {
			pr = skippedPhaseResult(phase, skipReason)
			logger.Info().
				Str("phase", phase.ID).
				Str("reason", skipReason).
				Msg("Phase skipped")
		} else {
			op := phase.Operation
			if opts.DryRun {
				op = OperationQuery
			}
			var fatal error
			pr, fatal = e.executePhase(ctx, logger, phase, op)
			if fatal != nil {
				pr.Aggregate()
				report.Phases = append(report.Phases, pr)
				e.reporter.OnPhaseResult(phase, &pr)
				report.Duration = time.Since(report.StartedAt)
				return report, fatal
			}
		}

		report.Phases = append(report.Phases, pr)
		e.reporter.OnPhaseResult(phase, &pr)

		logger.Info().
			Str("phase", phase.ID).
			Str("outcome", string(pr.Outcome)).
			Int("total", pr.Total).
			Int("succeeded", pr.Succeeded).
			Int("failed", pr.Failed).
			Int("skipped", pr.Skipped).
			Int("degraded", pr.Degraded).
			Dur("duration", pr.Duration).
			Msg("Phase finished")

		switch {
		case pr.Outcome == ResultFailed && !phase.NonBlocking:
			logger.Error().Str("phase", phase.ID).Msg("Phase failed: halting run")
			halted = true
		case pr.Outcome == ResultDegraded:
			logger.Warn().Str("phase", phase.ID).Msg("Phase degraded: continuing")
		}

		if skipReason == "" && !halted {
			e.settle(ctx, logger, phase, opts)
		}
	}

	if ctx.Err() != nil {
		report.Cancelled = true
	}
	report.Duration = time.Since(report.StartedAt)
	e.reporter.OnRunFinish(report)

	logger.Info().
		Bool("succeeded", report.Succeeded()).
		Bool("degraded", report.Degraded()).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration).
		Msg("Run finished")

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (e *Executor) acquirePrerequisites(ctx context.Context, plan *Plan) error {
	for _, backendID := range plan.Prerequisites {
		if _, err := e.broker.Acquire(ctx, backendID); err != nil {
			return NewFatalError(
				fmt.Sprintf("prerequisite backend %s unreachable", backendID), err).
				WithCode(ErrCodePrereqUnreachable)
		}
		e.logger.Debug().Str("backend", backendID).Msg("Prerequisite session ready")
	}
	return nil
}

// skipReason decides phase eligibility. A non-empty reason skips the
// phase; an error is fatal.
func (e *Executor) skipReason(ctx context.Context, phase *Phase, opts RunOptions, halted bool) (string, error) {
	if halted {
		return "earlier phase failed", nil
	}
	if ctx.Err() != nil {
		return "run cancelled", nil
	}
	if phase.HostPhase && !opts.IncludeHosts {
		return "host phases excluded", nil
	}
	if len(phase.Targets) == 0 {
		return "no targets configured", nil
	}
	if phase.SkipWhen != "" && e.predicates != nil {
		input := map[string]interface{}{
			"phase":         phase.ID,
			"operation":     string(phase.Operation),
			"target_count":  len(phase.Targets),
			"quick":         opts.Quick,
			"hosts":         opts.IncludeHosts,
			"dry_run":       opts.DryRun,
			"single_phase":  opts.PhaseID != "",
		}
		skip, err := e.predicates.EvaluateSkip(ctx, phase.SkipWhen, input)
		if err != nil {
			return "", NewFatalError(
				fmt.Sprintf("skip predicate for phase %s failed", phase.ID), err).
				WithCode(ErrCodeValidation)
		}
		if skip {
			return "skip predicate", nil
		}
	}
	return "", nil
}

// executePhase runs one phase's targets through a bounded worker pool.
// Cancellation stops dispatching new targets; a dispatched target's
// attempts finish naturally inside the controller.
func (e *Executor) executePhase(ctx context.Context, logger zerolog.Logger, phase *Phase, op Operation) (PhaseResult, error) {
	pr := PhaseResult{
		PhaseID:   phase.ID,
		Label:     phase.Label,
		StartedAt: time.Now(),
	}

	logger.Info().
		Str("phase", phase.ID).
		Str("operation", string(op)).
		Int("targets", len(phase.Targets)).
		Int("workers", phase.WorkerCount()).
		Msg("Phase started")

	phaseCtx, cancelPhase := context.WithCancel(ctx)
	defer cancelPhase()

	results := make([]Result, len(phase.Targets))
	workQueue := make(chan int, len(phase.Targets))

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)

	workers := phase.WorkerCount()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				target := &phase.Targets[idx]
				if phaseCtx.Err() != nil {
					results[idx] = Result{
						Target:  target.Name,
						Outcome: ResultSkipped,
						Detail:  "run cancelled before start",
					}
					continue
				}

				res, err := e.controller.Execute(phaseCtx, phase, target, op)
				if err != nil {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					fatalMu.Unlock()
					cancelPhase()
					if res.Outcome == "" {
						res.Outcome = ResultFailed
						res.Detail = err.Error()
					}
				}
				results[idx] = res
			}
		}()
	}

	for i := range phase.Targets {
		workQueue <- i
	}
	close(workQueue)
	wg.Wait()

	pr.Results = results
	pr.Aggregate()
	pr.Duration = time.Since(pr.StartedAt)

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return pr, fatalErr
}

func (e *Executor) settle(ctx context.Context, logger zerolog.Logger, phase *Phase, opts RunOptions) {
	if opts.Quick || opts.DryRun || phase.SettleDelay <= 0 || !phase.Operation.IsMutating() {
		return
	}
	logger.Info().
		Str("phase", phase.ID).
		Dur("delay", phase.SettleDelay).
		Msg("Settle delay")
	if err := e.sleep(ctx, phase.SettleDelay); err != nil {
		logger.Warn().Str("phase", phase.ID).Msg("Settle delay interrupted")
	}
}

func skippedPhaseResult(phase *Phase, reason string) PhaseResult {
	now := time.Now()
	pr := PhaseResult{
		PhaseID:   phase.ID,
		Label:     phase.Label,
		StartedAt: now,
	}
	for i := range phase.Targets {
		pr.Results = append(pr.Results, Result{
			Target:  phase.Targets[i].Name,
			Outcome: ResultSkipped,
			Detail:  reason,
		})
	}
	pr.Aggregate()
	return pr
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

const (
	defaultAttemptCap    = 3
	defaultRetryDelay    = 5 * time.Second
	defaultAwaitInterval = 10 * time.Second
	defaultAwaitBudget   = 5 * time.Minute
)

// FallbackController executes one logical operation against one target by
// walking the phase's strategy chain in priority order. Target-level
// failures never leave Execute as errors; they become the Result. Only
// fatal errors propagate.
type FallbackController struct {
	adapters AdapterResolver
	broker   SessionBroker
	logger   zerolog.Logger

	attemptCap int
	retryDelay time.Duration

	// pollObserver, when set, receives the probe count of every
	// completed await.
	pollObserver func(polls int)

	// sleep is injectable so retry timing is testable.
	sleep func(ctx context.Context, d time.Duration) error
}

// ControllerOption configures a FallbackController.
type ControllerOption func(*FallbackController)

// WithAttemptCap sets the default per-strategy transient retry cap.
func WithAttemptCap(n int) ControllerOption {
	return func(c *FallbackController) {
		if n > 0 {
			c.attemptCap = n
		}
	}
}

// WithRetryDelay sets the fixed delay between transient retries.
func WithRetryDelay(d time.Duration) ControllerOption {
	return func(c *FallbackController) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithSleep overrides the retry sleep function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ControllerOption {
	return func(c *FallbackController) {
		c.sleep = sleep
	}
}

// WithPollObserver registers a callback fed the probe count of every
// completed convergence await.
func WithPollObserver(fn func(polls int)) ControllerOption {
	return func(c *FallbackController) {
		c.pollObserver = fn
	}
}

// NewFallbackController creates a controller over the adapter set and broker.
func NewFallbackController(adapters AdapterResolver, sessions SessionBroker, logger zerolog.Logger, opts ...ControllerOption) *FallbackController {
	c := &FallbackController{
		adapters:   adapters,
		broker:     sessions,
		logger:     logger.With().Str("component", "fallback").Logger(),
		attemptCap: defaultAttemptCap,
		retryDelay: defaultRetryDelay,
		sleep:      sleepWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute walks the strategy chain for one target. ctx cancellation stops
// escalation between attempts; the attempt in flight finishes naturally
// against a detached context so a remote mutation is never killed halfway.
func (c *FallbackController) Execute(ctx context.Context, phase *Phase, target *Target, op Operation) (Result, error) {
	result := Result{Target: target.Name}
	logger := c.logger.With().
		Str("phase", phase.ID).
		Str("target", target.Name).
		Str("operation", string(op)).
		Logger()

	if ctx.Err() != nil {
		result.Outcome = ResultSkipped
		result.Detail = "run cancelled before start"
		return result, nil
	}

	strategies := orderedStrategies(phase.Fallbacks)
	attemptCtx := context.WithoutCancel(ctx)
	var lastDetail string

	for _, strat := range strategies {
		adapter, ok := c.adapters.Resolve(strat.AdapterKind)
		if !ok {
			return result, NewFatalError(
				fmt.Sprintf("no adapter registered for kind %s", strat.AdapterKind), nil).
				WithTarget(target.Name).
				WithOperation(string(op)).
				WithCode(ErrCodeAdapterMissing)
		}

		backendID := target.BackendFor(strat.AdapterKind)
		sess, err := c.broker.Acquire(attemptCtx, backendID)
		if err != nil {
			// Missing credentials make the strategy structurally
			// inapplicable, not a failed attempt.
			logger.Debug().Err(err).
				Str("strategy", string(strat.AdapterKind)).
				Msg("Strategy skipped: no session")
			lastDetail = err.Error()
			continue
		}
		if !adapter.Applicable(target, sess) {
			logger.Debug().
				Str("strategy", string(strat.AdapterKind)).
				Msg("Strategy skipped: not applicable")
			continue
		}

		maxAttempts := strat.AttemptCap
		if maxAttempts <= 0 {
			maxAttempts = c.attemptCap
		}

		outcome, detail, fatal := c.runStrategy(ctx, attemptCtx, logger, phase, target, op, strat, adapter, backendID, sess, maxAttempts, &result)
		if fatal != nil {
			return result, fatal
		}
		switch outcome {
		case ResultSucceeded, ResultDegraded:
			result.Outcome = outcome
			result.Detail = detail
			return result, nil
		case ResultSkipped:
			// Cancellation surfaced mid-chain.
			if len(result.Attempts) == 0 {
				result.Outcome = ResultSkipped
				result.Detail = "run cancelled before start"
			} else {
				result.Outcome = ResultFailed
				result.Detail = "run cancelled during attempts"
			}
			return result, nil
		default:
			// Strategy exhausted or structurally rejected; escalate.
			if detail != "" {
				lastDetail = detail
			}
		}
	}

	result.Outcome = ResultFailed
	if lastDetail == "" {
		lastDetail = "no applicable strategy"
	}
	result.Detail = lastDetail
	logger.Warn().Str("detail", lastDetail).Msg("All strategies exhausted")
	return result, nil
}

// runStrategy retries one strategy per the taxonomy: transient errors
// retry up to cap with a fixed delay, an unauthenticated error refreshes
// the session once and retries once, a terminal error escalates
// immediately. Returns ResultFailed to mean "escalate to next strategy".
func (c *FallbackController) runStrategy(
	ctx context.Context,
	attemptCtx context.Context,
	logger zerolog.Logger,
	phase *Phase,
	target *Target,
	op Operation,
	strat Strategy,
	adapter Adapter,
	backendID string,
	sess *broker.Session,
	maxAttempts int,
	result *Result,
) (ResultOutcome, string, error) {
	refreshed := false
	var lastDetail string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ResultSkipped, lastDetail, nil
		}

		att, err := c.attemptOnce(attemptCtx, phase, target, op, strat, adapter, sess)
		result.Attempts = append(result.Attempts, att)
		if att.Detail != "" {
			lastDetail = att.Detail
		}

		if err == nil {
			switch att.Outcome {
			case AttemptSuccess:
				return ResultSucceeded, att.Detail, nil
			case AttemptTimeout:
				// Accepted but never observed converged.
				return ResultDegraded, att.Detail, nil
			}
		}

		switch ClassOf(err) {
		case ErrorClassFatal:
			return ResultFailed, lastDetail, err
		case ErrorClassTerminal:
			logger.Debug().
				Str("strategy", string(strat.AdapterKind)).
				Int("attempt", attempt).
				Str("detail", att.Detail).
				Msg("Terminal error: escalating strategy")
			return ResultFailed, lastDetail, nil
		case ErrorClassTimeout:
			return ResultDegraded, att.Detail, nil
		case ErrorClassUnauthenticated:
			if !refreshed {
				refreshed = true
				fresh, rerr := c.broker.Refresh(attemptCtx, backendID)
				if rerr == nil {
					sess = fresh
					logger.Debug().
						Str("strategy", string(strat.AdapterKind)).
						Msg("Session refreshed after auth failure")
					// The refresh retry does not consume the transient cap.
					attempt--
					continue
				}
				logger.Warn().Err(rerr).
					Str("backend", backendID).
					Msg("Session refresh failed")
			}
			// Repeated auth failure degrades to the transient path.
			fallthrough
		default:
			if attempt < maxAttempts {
				logger.Debug().
					Str("strategy", string(strat.AdapterKind)).
					Int("attempt", attempt).
					Int("cap", maxAttempts).
					Str("detail", att.Detail).
					Msg("Transient error: retrying strategy")
				if serr := c.sleep(ctx, c.retryDelay); serr != nil {
					return ResultSkipped, lastDetail, nil
				}
			}
		}
	}

	logger.Debug().
		Str("strategy", string(strat.AdapterKind)).
		Int("cap", maxAttempts).
		Msg("Attempt cap exhausted: escalating strategy")
	return ResultFailed, lastDetail, nil
}

// attemptOnce performs one attempt: a status read for query operations, a
// transition plus convergence await for mutating ones. A mutating attempt
// first checks whether the target already rests in its expected state, so
// re-running a plan never re-does completed work.
func (c *FallbackController) attemptOnce(
	ctx context.Context,
	phase *Phase,
	target *Target,
	op Operation,
	strat Strategy,
	adapter Adapter,
	sess *broker.Session,
) (Attempt, error) {
	att := Attempt{
		Strategy:  strat.AdapterKind,
		StartedAt: time.Now(),
	}
	defer func() {
		att.Duration = time.Since(att.StartedAt)
	}()

	if !op.IsMutating() {
		snap, err := adapter.Status(ctx, target, sess)
		if err != nil {
			att.Outcome = outcomeForError(err)
			att.Detail = err.Error()
			return att, err
		}
		att.Outcome = AttemptSuccess
		att.Detail = snapshotDetail(snap)
		return att, nil
	}

	expected := ExpectedStateFor(target, op)

	if snap, err := adapter.Status(ctx, target, sess); err == nil && snap.State == expected {
		att.Outcome = AttemptSuccess
		att.Detail = fmt.Sprintf("already %s", expected)
		return att, nil
	}

	if err := adapter.Transition(ctx, target, op, sess); err != nil {
		att.Outcome = outcomeForError(err)
		att.Detail = err.Error()
		return att, err
	}

	interval := phase.AwaitInterval
	if interval <= 0 {
		interval = defaultAwaitInterval
	}
	budget := phase.AwaitBudget
	if budget <= 0 {
		budget = defaultAwaitBudget
	}

	outcome, err := adapter.Await(ctx, target, op, sess, interval, budget)
	if outcome != nil && c.pollObserver != nil {
		c.pollObserver(outcome.Polls)
	}
	if err != nil {
		att.Outcome = outcomeForError(err)
		att.Detail = err.Error()
		return att, err
	}

	switch outcome.Terminal {
	case poll.TerminalReady:
		att.Outcome = AttemptSuccess
		att.Detail = fmt.Sprintf("converged to %s", expected)
		return att, nil
	case poll.TerminalFailed:
		att.Outcome = AttemptTerminalError
		att.Detail = outcome.LastDetail
		return att, NewTerminalError("convergence failed", nil).
			WithTarget(target.Name).
			WithOperation(string(op)).
			WithDetail("last_detail", outcome.LastDetail)
	default:
		att.Outcome = AttemptTimeout
		att.Detail = timeoutDetail(outcome)
		return att, nil
	}
}

func orderedStrategies(in []Strategy) []Strategy {
	out := make([]Strategy, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func outcomeForError(err error) AttemptOutcome {
	switch ClassOf(err) {
	case ErrorClassTerminal:
		return AttemptTerminalError
	case ErrorClassTimeout:
		return AttemptTimeout
	default:
		return AttemptTransientError
	}
}

// ExpectedStateFor returns the state the operation should converge to,
// honoring a per-target override. Adapters use it to build await probes.
func ExpectedStateFor(target *Target, op Operation) ComponentState {
	if target.ExpectedState != "" {
		return target.ExpectedState
	}
	if op == OperationStartup {
		return StateRunning
	}
	return StateStopped
}

func snapshotDetail(snap *StateSnapshot) string {
	if snap.Detail != "" {
		return fmt.Sprintf("%s: %s", snap.State, snap.Detail)
	}
	return string(snap.State)
}

func timeoutDetail(outcome *poll.Outcome) string {
	if outcome.LastDetail != "" {
		return fmt.Sprintf("not converged after %d polls; last: %s", outcome.Polls, outcome.LastDetail)
	}
	return fmt.Sprintf("not converged after %d polls", outcome.Polls)
}

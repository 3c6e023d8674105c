// Package poll provides a bounded readiness polling loop. It turns an
// arbitrary status probe into a terminal ready/failed/timed-out outcome
// without knowing anything about what is being polled.
package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StateKind classifies one probe observation.
type StateKind string

const (
	// StateReady indicates the probed condition holds.
	StateReady StateKind = "ready"

	// StateFailed indicates the probed condition can no longer be reached.
	StateFailed StateKind = "failed"

	// StatePartial indicates progress without completion; polling continues.
	StatePartial StateKind = "partial"
)

// State is one probe observation.
type State struct {
	// Kind classifies the observation.
	Kind StateKind

	// Detail is backend-specific context, surfaced on timeout for
	// operator diagnosis.
	Detail string
}

// Ready reports the probed condition holds.
func Ready() State {
	return State{Kind: StateReady}
}

// Failed reports the probed condition is unreachable.
func Failed(detail string) State {
	return State{Kind: StateFailed, Detail: detail}
}

// Partial reports progress without completion.
func Partial(detail string) State {
	return State{Kind: StatePartial, Detail: detail}
}

// Probe is a single status observation. A returned error is treated as an
// inconclusive observation and polling continues; probes that can
// classify hard failures return a failed State instead.
type Probe func(ctx context.Context) (State, error)

// Terminal is the three-way termination contract of a poll.
type Terminal string

const (
	// TerminalReady indicates the condition was observed to hold.
	TerminalReady Terminal = "ready"

	// TerminalFailed indicates the condition was observed unreachable.
	TerminalFailed Terminal = "failed"

	// TerminalTimedOut indicates the ceiling elapsed first.
	TerminalTimedOut Terminal = "timed-out"
)

// Outcome is the result of one poll loop.
type Outcome struct {
	// Terminal is how the loop ended.
	Terminal Terminal `json:"terminal"`

	// Polls counts probe invocations.
	Polls int `json:"polls"`

	// LastDetail is the most recent observation detail. On timeout this is
	// the last partial detail for operator diagnosis.
	LastDetail string `json:"last_detail,omitempty"`

	// Elapsed is the total time spent polling.
	Elapsed time.Duration `json:"elapsed"`
}

// Poller runs bounded polling loops.
type Poller struct {
	logger zerolog.Logger
}

// New creates a poller.
func New(logger zerolog.Logger) *Poller {
	return &Poller{
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// Poll invokes probe until it reports ready or failed, or until maxTotal
// elapses measured from the first call. The probe is never invoked
// concurrently within one Poll. Partial observations are logged and do
// not terminate the loop. A non-positive interval defaults to one second.
//
// Context cancellation returns the outcome so far together with the
// context error; natural timeout returns a timed-out outcome and no error.
func (p *Poller) Poll(ctx context.Context, probe Probe, interval, maxTotal time.Duration) (*Outcome, error) {
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	deadline := start.Add(maxTotal)
	outcome := &Outcome{Terminal: TerminalTimedOut}

	for {
		state, err := probe(ctx)
		outcome.Polls++
		if err != nil {
			p.logger.Debug().Err(err).Int("polls", outcome.Polls).Msg("Probe inconclusive")
			outcome.LastDetail = err.Error()
		} else {
			if state.Detail != "" {
				outcome.LastDetail = state.Detail
			}
			switch state.Kind {
			case StateReady:
				outcome.Terminal = TerminalReady
				outcome.Elapsed = time.Since(start)
				return outcome, nil
			case StateFailed:
				outcome.Terminal = TerminalFailed
				outcome.Elapsed = time.Since(start)
				return outcome, nil
			default:
				p.logger.Debug().
					Str("detail", state.Detail).
					Int("polls", outcome.Polls).
					Msg("Probe partial")
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			outcome.Elapsed = time.Since(start)
			return outcome, ctx.Err()
		case <-timer.C:
		}

		if !time.Now().Before(deadline) {
			break
		}
	}

	outcome.Terminal = TerminalTimedOut
	outcome.Elapsed = time.Since(start)
	p.logger.Debug().
		Int("polls", outcome.Polls).
		Str("last_detail", outcome.LastDetail).
		Dur("elapsed", outcome.Elapsed).
		Msg("Poll ceiling reached")
	return outcome, nil
}

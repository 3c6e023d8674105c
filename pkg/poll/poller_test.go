package poll

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPoller() *Poller {
	return New(zerolog.Nop())
}

func TestPollReadyFirstProbe(t *testing.T) {
	p := testPoller()

	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		return Ready(), nil
	}, 10*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalReady {
		t.Errorf("expected terminal %s, got %s", TerminalReady, outcome.Terminal)
	}
	if outcome.Polls != 1 {
		t.Errorf("expected 1 poll, got %d", outcome.Polls)
	}
}

func TestPollReadyAfterPartials(t *testing.T) {
	p := testPoller()

	var calls int32
	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return Partial(fmt.Sprintf("step %d", n)), nil
		}
		return Ready(), nil
	}, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalReady {
		t.Errorf("expected terminal %s, got %s", TerminalReady, outcome.Terminal)
	}
	if outcome.Polls != 3 {
		t.Errorf("expected 3 polls, got %d", outcome.Polls)
	}
}

func TestPollFailedTerminates(t *testing.T) {
	p := testPoller()

	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		return Failed("power state conflict"), nil
	}, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalFailed {
		t.Errorf("expected terminal %s, got %s", TerminalFailed, outcome.Terminal)
	}
	if outcome.Polls != 1 {
		t.Errorf("expected 1 poll, got %d", outcome.Polls)
	}
	if outcome.LastDetail != "power state conflict" {
		t.Errorf("expected failure detail, got %q", outcome.LastDetail)
	}
}

func TestPollTimeoutBoundsProbeCount(t *testing.T) {
	p := testPoller()

	// maxTotal is an exact multiple of interval: first probe at t=0, then
	// one per interval, and none once the ceiling is reached.
	interval := 10 * time.Millisecond
	maxTotal := 60 * time.Millisecond

	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		return Partial("2 of 5 stopped"), nil
	}, interval, maxTotal)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalTimedOut {
		t.Errorf("expected terminal %s, got %s", TerminalTimedOut, outcome.Terminal)
	}
	if outcome.Polls > 6 {
		t.Errorf("expected at most 6 polls, got %d", outcome.Polls)
	}
	if outcome.Polls < 2 {
		t.Errorf("expected at least 2 polls, got %d", outcome.Polls)
	}
	if outcome.LastDetail != "2 of 5 stopped" {
		t.Errorf("expected last partial detail on timeout, got %q", outcome.LastDetail)
	}
}

func TestPollProbeErrorContinues(t *testing.T) {
	p := testPoller()

	var calls int32
	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return State{}, errors.New("connection reset")
		}
		return Ready(), nil
	}, 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalReady {
		t.Errorf("expected probe error to be inconclusive, got terminal %s", outcome.Terminal)
	}
	if outcome.Polls != 2 {
		t.Errorf("expected 2 polls, got %d", outcome.Polls)
	}
}

func TestPollContextCancellation(t *testing.T) {
	p := testPoller()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome, err := p.Poll(ctx, func(ctx context.Context) (State, error) {
		return Partial("waiting"), nil
	}, 10*time.Millisecond, 10*time.Second)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if outcome == nil || outcome.Polls == 0 {
		t.Error("expected partial outcome with at least one poll")
	}
}

func TestPollZeroBudgetProbesOnce(t *testing.T) {
	p := testPoller()

	var calls int32
	outcome, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		atomic.AddInt32(&calls, 1)
		return Partial("starting"), nil
	}, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if outcome.Terminal != TerminalTimedOut {
		t.Errorf("expected terminal %s, got %s", TerminalTimedOut, outcome.Terminal)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 probe, got %d", got)
	}
}

func TestPollProbeNeverConcurrent(t *testing.T) {
	p := testPoller()

	var active, maxActive int32
	_, err := p.Poll(context.Background(), func(ctx context.Context) (State, error) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Partial("busy"), nil
	}, time.Millisecond, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("probe ran concurrently: max active %d", got)
	}
}

package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/stores"
)

// JournalReporter persists finished runs to the journal store. It only
// writes at run end; phase callbacks are no-ops, so a crash mid-run
// journals nothing and the event stream remains the incremental record.
type JournalReporter struct {
	store   stores.Store
	logger  zerolog.Logger
	timeout time.Duration
}

// NewJournalReporter creates a reporter writing reports to store.
func NewJournalReporter(store stores.Store, logger zerolog.Logger) *JournalReporter {
	return &JournalReporter{
		store:   store,
		logger:  logger.With().Str("component", "journal").Logger(),
		timeout: 10 * time.Second,
	}
}

// OnPhaseStart implements engine.Reporter.
func (r *JournalReporter) OnPhaseStart(phase *engine.Phase) {}

// OnPhaseResult implements engine.Reporter.
func (r *JournalReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {}

// OnRunFinish implements engine.Reporter. Persistence failures are
// logged, never propagated: a full journal must not fail the run that
// already happened.
func (r *JournalReporter) OnRunFinish(report *engine.RunReport) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.SaveReport(ctx, report); err != nil {
		r.logger.Error().
			Err(err).
			Str("run_id", report.RunID).
			Msg("Failed to journal run report")
		return
	}
	r.logger.Debug().
		Str("run_id", report.RunID).
		Msg("Run report journaled")
}

// HandleEvent appends one event to the journal. Its signature matches
// Subscriber so it can be hung directly on a Bus.
func (r *JournalReporter) HandleEvent(event engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.AppendEvent(ctx, &event); err != nil {
		r.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Failed to journal event")
	}
}

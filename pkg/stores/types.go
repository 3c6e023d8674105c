package stores

import (
	"context"
	"time"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

// RunOutcome classifies a finished run for the journal.
type RunOutcome string

const (
	// RunOutcomeSucceeded means every phase succeeded or was skipped.
	RunOutcomeSucceeded RunOutcome = "succeeded"

	// RunOutcomeDegraded means at least one phase degraded but none
	// failed outright.
	RunOutcomeDegraded RunOutcome = "degraded"

	// RunOutcomeFailed means at least one phase failed.
	RunOutcomeFailed RunOutcome = "failed"

	// RunOutcomeCancelled means the operator aborted the run.
	RunOutcomeCancelled RunOutcome = "cancelled"
)

// OutcomeFor derives the journal outcome from a finished report.
func OutcomeFor(report *engine.RunReport) RunOutcome {
	if report.Cancelled {
		return RunOutcomeCancelled
	}
	if report.Succeeded() {
		return RunOutcomeSucceeded
	}
	for i := range report.Phases {
		if report.Phases[i].Outcome == engine.ResultFailed {
			return RunOutcomeFailed
		}
	}
	return RunOutcomeDegraded
}

// RunRecord is one row of the runs table: the journal's summary of a
// single engine run.
type RunRecord struct {
	ID            string         `json:"id"`
	PlanID        string         `json:"plan_id"`
	Mode          engine.RunMode `json:"mode"`
	Quick         bool           `json:"quick"`
	HostsIncluded bool           `json:"hosts_included"`
	Outcome       RunOutcome     `json:"outcome"`
	Cancelled     bool           `json:"cancelled"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EventFilter narrows ListEvents. Zero-value fields match everything.
type EventFilter struct {
	RunID   string
	PhaseID string
	Type    engine.EventType
}

// Store is the persistence interface for the run journal.
type Store interface {
	// Init opens the underlying database.
	Init(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// SaveReport persists a finished run with all of its phase and
	// target results in a single transaction.
	SaveReport(ctx context.Context, report *engine.RunReport) error

	// GetRun retrieves the summary row for one run.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// GetReport reconstructs the full report for one run.
	GetReport(ctx context.Context, id string) (*engine.RunReport, error)

	// ListRuns returns run summaries, most recent first.
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// DeleteRun removes a run and its phase and target results.
	DeleteRun(ctx context.Context, id string) error

	// PruneRuns deletes all but the keep most recent runs and returns
	// how many were removed.
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// AppendEvent stores one engine event. A missing event ID is
	// assigned before insert.
	AppendEvent(ctx context.Context, event *engine.Event) error

	// ListEvents returns stored events matching the filter, most
	// recent first.
	ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*engine.Event, error)

	// HealthCheck verifies the database connection is healthy.
	HealthCheck(ctx context.Context) error
}

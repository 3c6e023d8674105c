package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/rackcycle/rackcycle/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// The _pragma options apply to every pooled connection.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveReport persists a finished run, its phase aggregates, and every
// target result in a single transaction.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.RunReport) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runQuery := `
		INSERT INTO runs (id, plan_id, mode, quick, hosts_included, outcome, cancelled, started_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, runQuery,
		report.RunID,
		report.PlanID,
		string(report.Mode),
		report.Quick,
		report.HostsIncluded,
		string(OutcomeFor(report)),
		report.Cancelled,
		report.StartedAt.UTC(),
		report.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	phaseQuery := `
		INSERT INTO phase_results (run_id, phase_id, seq, label, outcome, total, succeeded, failed, skipped, degraded, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	targetQuery := `
		INSERT INTO target_results (run_id, phase_id, target, outcome, detail, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	for seq := range report.Phases {
		phase := &report.Phases[seq]
		_, err = tx.ExecContext(ctx, phaseQuery,
			report.RunID,
			phase.PhaseID,
			seq,
			phase.Label,
			string(phase.Outcome),
			phase.Total,
			phase.Succeeded,
			phase.Failed,
			phase.Skipped,
			phase.Degraded,
			phase.StartedAt.UTC(),
			phase.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert phase %s: %w", phase.PhaseID, err)
		}

		for i := range phase.Results {
			res := &phase.Results[i]
			attempts, err := json.Marshal(res.Attempts)
			if err != nil {
				return fmt.Errorf("failed to encode attempts for %s: %w", res.Target, err)
			}
			if _, err := tx.ExecContext(ctx, targetQuery,
				report.RunID,
				phase.PhaseID,
				res.Target,
				string(res.Outcome),
				res.Detail,
				string(attempts),
			); err != nil {
				return fmt.Errorf("failed to insert result for %s: %w", res.Target, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	return nil
}

// GetRun retrieves a run summary by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, plan_id, mode, quick, hosts_included, outcome, cancelled, started_at, duration_ms, created_at
		FROM runs
		WHERE id = ?
	`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return rec, nil
}

// GetReport reconstructs the full report for one run, including the
// per-target attempt history.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*engine.RunReport, error) {
	rec, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &engine.RunReport{
		RunID:         rec.ID,
		PlanID:        rec.PlanID,
		Mode:          rec.Mode,
		Quick:         rec.Quick,
		HostsIncluded: rec.HostsIncluded,
		StartedAt:     rec.StartedAt,
		Duration:      rec.Duration,
		Cancelled:     rec.Cancelled,
	}

	results, err := s.targetResultsByPhase(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT phase_id, label, outcome, total, succeeded, failed, skipped, degraded, started_at, duration_ms
		FROM phase_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var phase engine.PhaseResult
		var durMS int64
		err := rows.Scan(
			&phase.PhaseID,
			&phase.Label,
			&phase.Outcome,
			&phase.Total,
			&phase.Succeeded,
			&phase.Failed,
			&phase.Skipped,
			&phase.Degraded,
			&phase.StartedAt,
			&durMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase result: %w", err)
		}
		phase.Duration = time.Duration(durMS) * time.Millisecond
		phase.Results = results[phase.PhaseID]
		report.Phases = append(report.Phases, phase)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase results: %w", err)
	}

	return report, nil
}

// targetResultsByPhase loads every target result for a run, keyed by
// phase ID and sorted by target name.
func (s *SQLiteStore) targetResultsByPhase(ctx context.Context, runID string) (map[string][]engine.Result, error) {
	query := `
		SELECT phase_id, target, outcome, detail, attempts
		FROM target_results
		WHERE run_id = ?
		ORDER BY phase_id ASC, target ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list target results: %w", err)
	}
	defer rows.Close()

	results := map[string][]engine.Result{}
	for rows.Next() {
		var phaseID, attempts string
		var res engine.Result
		if err := rows.Scan(&phaseID, &res.Target, &res.Outcome, &res.Detail, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan target result: %w", err)
		}
		if err := json.Unmarshal([]byte(attempts), &res.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts for %s: %w", res.Target, err)
		}
		results[phaseID] = append(results[phaseID], res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating target results: %w", err)
	}

	return results, nil
}

// ListRuns lists run summaries with pagination, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, plan_id, mode, quick, hosts_included, outcome, cancelled, started_at, duration_ms, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run by ID. Phase and target results cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// PruneRuns keeps the most recent keep runs and deletes the rest,
// returning how many were removed. Orphaned events are swept as well.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM runs
		WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// Events reference runs loosely, so the cascade does not reach them.
	sweep := `DELETE FROM events WHERE run_id != '' AND run_id NOT IN (SELECT id FROM runs)`
	if _, err := s.db.ExecContext(ctx, sweep); err != nil {
		return pruned, fmt.Errorf("failed to sweep events: %w", err)
	}

	return pruned, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, phase_id, target, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var details *string
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(encoded)
		details = &d
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.PhaseID,
		event.Target,
		string(event.Type),
		event.Message,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events matching the filter with pagination,
// most recent first
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*engine.Event, error) {
	query := `
		SELECT id, run_id, phase_id, target, type, message, details, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR phase_id = ?)
		  AND (? = '' OR type = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.PhaseID, filter.PhaseID,
		string(filter.Type), string(filter.Type),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var details sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.PhaseID,
			&event.Target,
			&event.Type,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var durMS int64
	err := row.Scan(
		&rec.ID,
		&rec.PlanID,
		&rec.Mode,
		&rec.Quick,
		&rec.HostsIncluded,
		&rec.Outcome,
		&rec.Cancelled,
		&rec.StartedAt,
		&durMS,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durMS) * time.Millisecond
	return rec, nil
}

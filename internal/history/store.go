// Package history keeps a local record of engine runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/picklr-io/lakestack/internal/ir"
)

// DefaultPath is the history database used when none is configured.
const DefaultPath = ".lakestack/history.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one row of the run history.
type Run struct {
	RunID      string
	Command    string
	Stack      string
	Status     string
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    ir.ReportSummary
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// ResourceRun is one resource's result within a recorded run.
type ResourceRun struct {
	RunID      string
	Command    string
	StartedAt  time.Time
	Action     ir.Action
	Status     ir.Status
	PhysicalID string
	Error      string
	Attempts   int
	Duration   time.Duration
}

// Store is a migrated SQLite history database.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it and applying migrations as
// needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores a finished run. Recording the same run id twice replaces
// the earlier row.
func (s *Store) Record(ctx context.Context, report *ir.Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report has no run id")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	sum := report.Summary()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to replace run %s: %w", report.RunID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, command, stack, status, cancelled, started_at, finished_at,
			ready, failed, blocked, pending, destroyed, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.Command, report.Stack, report.Status(), report.Cancelled,
		report.StartedAt.UnixNano(), report.FinishedAt.UnixNano(),
		sum.Ready, sum.Failed, sum.Blocked, sum.Pending, sum.Destroyed, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_results (run_id, resource_id, kind, action, status, physical_id, error, attempts, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer stmt.Close()
	for _, n := range report.Nodes {
		if _, err := stmt.ExecContext(ctx, report.RunID, n.ID, n.Kind, string(n.Action), string(n.Status),
			n.PhysicalID, n.Error, n.Attempts, n.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", report.RunID, err)
	}
	return nil
}

// List returns the most recent runs first. A limit of zero or less returns
// every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, command, stack, status, cancelled, started_at, finished_at,
			ready, failed, blocked, pending, destroyed
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
		)
		if err := rows.Scan(&r.RunID, &r.Command, &r.Stack, &r.Status, &r.Cancelled, &started, &finished,
			&r.Summary.Ready, &r.Summary.Failed, &r.Summary.Blocked, &r.Summary.Pending, &r.Summary.Destroyed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, finished).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns the full report of a recorded run.
func (s *Store) Get(ctx context.Context, runID string) (*ir.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var report ir.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &report, nil
}

// ResourceHistory returns every recorded result for a resource, most recent
// run first.
func (s *Store) ResourceHistory(ctx context.Context, resourceID string) ([]ResourceRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.run_id, r.command, r.started_at, n.action, n.status, n.physical_id, n.error, n.attempts, n.duration_ms
		FROM node_results n JOIN runs r ON r.run_id = n.run_id
		WHERE n.resource_id = ?
		ORDER BY r.started_at DESC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", resourceID, err)
	}
	defer rows.Close()

	var out []ResourceRun
	for rows.Next() {
		var (
			rr             ResourceRun
			started, durMS int64
			action, status string
		)
		if err := rows.Scan(&rr.RunID, &rr.Command, &started, &action, &status, &rr.PhysicalID, &rr.Error, &rr.Attempts, &durMS); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rr.StartedAt = time.Unix(0, started).UTC()
		rr.Action = ir.Action(action)
		rr.Status = ir.Status(status)
		rr.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rr)
	}
	return out, rows.Err()
}

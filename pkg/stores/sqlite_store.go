package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/terrane-dev/terrane/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists snapshots, runs, step results, and events in SQLite.
// It implements engine.SnapshotStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
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
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// LoadLatest returns the snapshot with the highest serial, or an empty
// snapshot when none has been persisted yet.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*engine.StateSnapshot, error) {
	query := `
		SELECT serial, taken_at, resources
		FROM snapshots
		ORDER BY serial DESC
		LIMIT 1
	`

	var (
		serial    int64
		takenAt   time.Time
		resources string
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&serial, &takenAt, &resources)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &engine.StateSnapshot{Serial: serial, TakenAt: takenAt}
	if err := json.Unmarshal([]byte(resources), &snap.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot resources: %w", err)
	}
	if snap.Resources == nil {
		snap.Resources = make(map[string]engine.ResourceRecord)
	}
	return snap, nil
}

// Save persists a snapshot with the next serial. The snapshot's Serial and
// TakenAt fields are updated in place on success.
func (s *SQLiteStore) Save(ctx context.Context, snap *engine.StateSnapshot) error {
	return s.SaveForRun(ctx, snap, "")
}

// SaveForRun persists a snapshot and links it to the run that produced it.
func (s *SQLiteStore) SaveForRun(ctx context.Context, snap *engine.StateSnapshot, runID string) error {
	resources, err := json.Marshal(snap.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot resources: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSerial sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(serial) FROM snapshots`).Scan(&maxSerial); err != nil {
		return fmt.Errorf("failed to read snapshot serial: %w", err)
	}
	serial := maxSerial.Int64 + 1
	takenAt := time.Now()

	var run *string
	if runID != "" {
		run = &runID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (serial, taken_at, run_id, resources)
		VALUES (?, ?, ?, ?)
	`, serial, takenAt, run, string(resources))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (action, subject, detail)
		VALUES ('snapshot.save', ?, ?)
	`, fmt.Sprintf("serial=%d", serial), run)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	snap.Serial = serial
	snap.TakenAt = takenAt
	return nil
}

// LoadSerial returns one historical snapshot by serial.
func (s *SQLiteStore) LoadSerial(ctx context.Context, serial int64) (*engine.StateSnapshot, error) {
	var (
		takenAt   time.Time
		resources string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT taken_at, resources FROM snapshots WHERE serial = ?
	`, serial).Scan(&takenAt, &resources)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot not found: serial %d", serial)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &engine.StateSnapshot{Serial: serial, TakenAt: takenAt}
	if err := json.Unmarshal([]byte(resources), &snap.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot resources: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, taken_at, run_id, created_at
		FROM snapshots
		ORDER BY serial DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		if err := rows.Scan(&row.Serial, &row.TakenAt, &row.RunID, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// ExportLatest writes the latest snapshot as indented JSON.
func (s *SQLiteStore) ExportLatest(ctx context.Context, w io.Writer) error {
	snap, err := s.LoadLatest(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Import reads a JSON snapshot and persists it with the next serial.
func (s *SQLiteStore) Import(ctx context.Context, r io.Reader) (*engine.StateSnapshot, error) {
	var snap engine.StateSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Resources == nil {
		snap.Resources = make(map[string]engine.ResourceRecord)
	}
	if err := s.SaveForRun(ctx, &snap, ""); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveRun persists a run and its step results in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, status, summary, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.PlanID, string(run.Status), string(summary),
		run.StartedAt, run.CompletedAt, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, res := range run.Results {
		var remoteID, errMsg *string
		if res.RemoteID != "" {
			remoteID = &res.RemoteID
		}
		if res.Error != nil {
			msg := res.Error.Error()
			errMsg = &msg
		}
		var completedAt *time.Time
		if !res.CompletedAt.IsZero() {
			t := res.CompletedAt
			completedAt = &t
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_results (
				step_id, run_id, resource_id, kind, outcome, attempts,
				remote_id, error, started_at, completed_at, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, res.StepID, run.ID, res.ResourceID, string(res.Kind), string(res.Outcome),
			res.Attempts, remoteID, errMsg, res.StartedAt, completedAt, res.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to save step result: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (action, subject, detail)
		VALUES ('run.save', ?, ?)
	`, run.ID, string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a persisted run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRow, error) {
	row := &RunRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, status, summary, started_at, completed_at, duration_ms, created_at
		FROM runs WHERE id = ?
	`, id).Scan(&row.ID, &row.PlanID, &row.Status, &row.Summary,
		&row.StartedAt, &row.CompletedAt, &row.DurationMS, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, status, summary, started_at, completed_at, duration_ms, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := []*RunRow{}
	for rows.Next() {
		row := &RunRow{}
		if err := rows.Scan(&row.ID, &row.PlanID, &row.Status, &row.Summary,
			&row.StartedAt, &row.CompletedAt, &row.DurationMS, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// ListStepResults returns the step results of a run.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string) ([]*StepResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, run_id, resource_id, kind, outcome, attempts,
		       remote_id, error, started_at, completed_at, duration_ms
		FROM step_results
		WHERE run_id = ?
		ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	out := []*StepResultRow{}
	for rows.Next() {
		row := &StepResultRow{}
		if err := rows.Scan(&row.StepID, &row.RunID, &row.ResourceID, &row.Kind,
			&row.Outcome, &row.Attempts, &row.RemoteID, &row.Error,
			&row.StartedAt, &row.CompletedAt, &row.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return out, nil
}

// SaveEvent persists one timeline event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	var runID, stepID, resourceID *string
	if event.RunID != "" {
		runID = &event.RunID
	}
	if event.StepID != "" {
		stepID = &event.StepID
	}
	if event.ResourceID != "" {
		resourceID = &event.ResourceID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, run_id, step_id, resource_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Type, runID, stepID, resourceID, event.Level, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents returns events for a run in timeline order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, run_id, step_id, resource_id, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []*EventRow{}
	for rows.Next() {
		row := &EventRow{}
		if err := rows.Scan(&row.ID, &row.Type, &row.RunID, &row.StepID,
			&row.ResourceID, &row.Level, &row.Message, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

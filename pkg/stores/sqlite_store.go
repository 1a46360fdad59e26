package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/hostforge/hostforge/pkg/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
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

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
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

// AppendEvents appends events for one aggregate and replaces its
// snapshot in a single serializable transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string, expectedVersion int64, events []domain.Event, snapshot []byte) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM snapshots WHERE aggregate_kind = ? AND aggregate_id = ?`,
		string(kind), aggregateID,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read aggregate version: %w", err)
	}

	if current != expectedVersion {
		return 0, fmt.Errorf("%s %s: expected version %d, have %d: %w",
			kind, aggregateID, expectedVersion, current, ErrConcurrencyConflict)
	}

	inserted := int64(0)
	for _, ev := range events {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, ev.ID).Scan(&exists)
		if err == nil {
			// Redelivered event, already recorded.
			continue
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("failed to check event %s: %w", ev.ID, err)
		}

		seq := current + inserted + 1
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (event_id, aggregate_kind, aggregate_id, seq, type, at, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, string(kind), aggregateID, seq, string(ev.Type),
			ev.At.UTC().Format(time.RFC3339Nano), string(ev.Data),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
		}
		inserted++
	}

	newVersion := current + inserted
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_kind, aggregate_id, version, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(aggregate_kind, aggregate_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		string(kind), aggregateID, newVersion, string(snapshot),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}

	return newVersion, nil
}

// LoadSnapshot retrieves the snapshot for one aggregate.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, kind domain.AggregateKind, aggregateID string) (*Snapshot, error) {
	var (
		snap      Snapshot
		state     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, state, updated_at FROM snapshots WHERE aggregate_kind = ? AND aggregate_id = ?`,
		string(kind), aggregateID,
	).Scan(&snap.Version, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", kind, aggregateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap.AggregateID = aggregateID
	snap.Kind = kind
	snap.State = []byte(state)
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	return &snap, nil
}

// LoadEvents retrieves an aggregate's events in sequence order.
func (s *SQLiteStore) LoadEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, seq, type, at, data FROM events
		 WHERE aggregate_kind = ? AND aggregate_id = ?
		 ORDER BY seq ASC`,
		string(kind), aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			ev   domain.Event
			at   string
			data string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.Type, &at, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		ev.Aggregate = kind
		ev.AggregateID = aggregateID
		ev.Data = []byte(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ListSnapshots retrieves every snapshot of one aggregate kind.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, kind domain.AggregateKind) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_id, version, state, updated_at FROM snapshots WHERE aggregate_kind = ?`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*Snapshot{}
	for rows.Next() {
		var (
			snap      Snapshot
			state     string
			updatedAt string
		)
		if err := rows.Scan(&snap.AggregateID, &snap.Version, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Kind = kind
		snap.State = []byte(state)
		if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// Purge removes an aggregate's snapshot and event log.
func (s *SQLiteStore) Purge(ctx context.Context, kind domain.AggregateKind, aggregateID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_kind = ? AND aggregate_id = ?`,
		string(kind), aggregateID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, aggregateID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE aggregate_kind = ? AND aggregate_id = ?`,
		string(kind), aggregateID,
	); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

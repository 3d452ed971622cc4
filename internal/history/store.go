// Package history provides PostgreSQL-backed storage of completed pairs.
// Each row captures the two participants, their score distance, and how the
// pair ended, for later analysis of match quality.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store manages pair history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Record is one completed pair.
type Record struct {
	PairID    string
	LeftID    string
	RightID   string
	Distance  float64
	Cause     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Open connects to PostgreSQL, applies pending migrations, and returns a
// ready store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("history: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// PairStarted inserts a row for a newly formed pair.
func (s *Store) PairStarted(ctx context.Context, pairID, leftID, rightID string, distance float64, startedAt time.Time) error {
	const query = `
		INSERT INTO pair_history (pair_id, left_id, right_id, distance, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, pairID, leftID, rightID, distance, startedAt)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// PairEnded stamps an existing row with its end time and cause.
func (s *Store) PairEnded(ctx context.Context, pairID, cause string, endedAt time.Time) error {
	const query = `
		UPDATE pair_history
		SET ended_at = $2, cause = $3
		WHERE pair_id = $1`

	_, err := s.db.ExecContext(ctx, query, pairID, endedAt, cause)
	if err != nil {
		return fmt.Errorf("history: update: %w", err)
	}
	return nil
}

// Get fetches one pair's record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, pairID string) (*Record, error) {
	const query = `
		SELECT pair_id, left_id, right_id, distance, COALESCE(cause, ''), started_at, COALESCE(ended_at, started_at)
		FROM pair_history
		WHERE pair_id = $1`

	var r Record
	err := s.db.QueryRowContext(ctx, query, pairID).Scan(
		&r.PairID, &r.LeftID, &r.RightID, &r.Distance, &r.Cause, &r.StartedAt, &r.EndedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get: %w", err)
	}
	return &r, nil
}

// CountSince returns the number of pairs formed within the given window.
func (s *Store) CountSince(ctx context.Context, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM pair_history
		WHERE started_at >= NOW() - $1::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("history: count since: %w", err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Package metadata is the single embedded SQLite store holding the control-plane state of
// every emulated service. One connection is shared and serialized by a mutex, so compound
// operations run inside one transaction without interleaving.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMillis = 5000
	timeLayout        = time.RFC3339Nano
)

// Store manages emulator metadata in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database file at path and applies the schema catalog.
func Open(path string) (*Store, error) {
	return open(path, true)
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*Store, error) {
	return open(":memory:", false)
}

func open(dsn string, wal bool) (*Store, error) {
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	// A single connection keeps :memory: databases alive and matches the mutex discipline.
	database.SetMaxOpenConns(1)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := database.ExecContext(ctx, pragma); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	store := &Store{db: database}
	if err := store.Initialize(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}

	log.Debug().Str("dsn", dsn).Msg("Metadata store opened")
	return store, nil
}

// Initialize creates every table of the schema catalog. It is safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range schemaCatalog {
		if _, err := s.db.ExecContext(ctx, entry.ddl); err != nil {
			return fmt.Errorf("initialize %s schema: %w", entry.name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PingContext(ctx)
}

// tx runs fn in a transaction while holding the store mutex. Any error from fn rolls back.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return awserr.Database(err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return awserr.Database(err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// insertErr maps a failed insert: uniqueness conflicts become AlreadyExists(name).
func insertErr(err error, name string) error {
	if isUniqueViolation(err) {
		return awserr.AlreadyExists(name)
	}
	return dbErr(err)
}

// dbErr wraps a driver error, leaving typed emulator errors untouched.
func dbErr(err error) error {
	if err == nil {
		return nil
	}
	var typed *awserr.Error
	if errors.As(err, &typed) {
		return err
	}
	return awserr.Database(err)
}

// notFound maps sql.ErrNoRows to NotFound(kind, id) and wraps anything else.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return awserr.NotFound(kind, id)
	}
	return dbErr(err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowsAffected returns the number of rows touched by res.
func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, awserr.Database(err)
	}
	return n, nil
}

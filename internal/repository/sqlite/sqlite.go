// Package sqlite implements the persistence interfaces on an embedded SQLite
// database for single-node installs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/splax/saturn/internal/repository"
)

// timeLayout is fixed width so lexical order in TEXT columns matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository implements persistence interfaces on SQLite.
type Repository struct {
	db *sql.DB
}

var (
	_ repository.QueueRepository    = (*Repository)(nil)
	_ repository.ResourceRepository = (*Repository)(nil)
	_ repository.TokenRepository    = (*Repository)(nil)
	_ repository.WebhookRepository  = (*Repository)(nil)
	_ repository.Store              = (*Repository)(nil)
)

// DSN builds a connection string for a database file with the pragmas the store relies on.
func DSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open connects to the database at dsn. Writes are serialized through a single connection.
func Open(dsn string) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Repository{db: db}, nil
}

// Ping checks the database handle is usable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *Repository) Close() {
	r.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	parsed, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

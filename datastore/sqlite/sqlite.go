// Package sqlite implements the datastore interfaces against a single
// on-disk SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/kestrelrobotics/vulnstore/datastore"
	"github.com/kestrelrobotics/vulnstore/datastore/sqlite/migrations"
)

var _ datastore.Store = (*Store)(nil)

const (
	// maxConns bounds the number of concurrently open connections.
	maxConns = 15
	// idleConns is the number of idle connections kept warm.
	idleConns = 5
	// acquireTimeout bounds the wait for a free connection before
	// ErrPoolTimeout is returned.
	acquireTimeout = 10 * time.Second
	// busyTimeoutMillis is how long a connection waits out a held
	// write lock before surfacing a contention error.
	busyTimeoutMillis = 5000
)

var (
	// ErrPoolTimeout is returned when no connection becomes free
	// within the acquire timeout. The caller may retry.
	ErrPoolTimeout = errors.New("sqlite: timed out waiting for a database connection")
	// ErrNotFound is returned when a requested record does not
	// exist.
	ErrNotFound = errors.New("sqlite: record not found")
)

// Store is a handle to the database. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database file at path, brings
// its schema to the current generation, and returns a Store ready for
// use. The parent directory is created if missing.
//
// Every connection is configured with foreign-key enforcement,
// write-ahead-log journaling, and a busy timeout.
func Open(ctx context.Context, path string) (*Store, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/Open")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: unable to create database directory: %w", err)
		}
	}
	u := url.URL{
		Scheme: `file`,
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis),
				"foreign_keys(1)",
				"journal_mode(WAL)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: unable to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idleConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: unable to open database %q: %w", path, err)
	}
	// The schema is current before the first connection is handed
	// out, so every caller sees a fully migrated database.
	if err := migrations.Run(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	zlog.Info(ctx).Str("path", path).Msg("database opened")
	return &Store{db: db}, nil
}

// Close releases held resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// conn acquires a connection from the pool, waiting up to the acquire
// timeout for a free slot.
//
// The returned connection must be closed to release it back to the
// pool.
func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	wctx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	c, err := s.db.Conn(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, ErrPoolTimeout
	default:
		return nil, fmt.Errorf("sqlite: unable to acquire connection: %w", err)
	}
	return c, nil
}

// tx runs fn inside a transaction on a pooled connection, committing
// when fn returns nil and rolling back otherwise.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: unable to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: unable to commit transaction: %w", err)
	}
	return nil
}

// nullString maps the domain's empty-means-unknown convention onto
// SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullDate formats a date for storage, mapping the zero time onto SQL
// NULL.
func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateFormat), Valid: true}
}

const dateFormat = `2006-01-02`

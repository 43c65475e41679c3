// Package migrations maintains the database schema across releases.
//
// Each migration brings the schema forward one generation. The DDL
// uses "create if not exists" semantics throughout, so individual
// steps are safe to re-run against a file that already has some of
// the objects. The applied generation is recorded in an append-only
// ledger table; the maximum recorded version is the file's current
// generation.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/quay/zlog"
)

// LedgerTable is the name of the schema-version ledger.
const LedgerTable = `schema_version`

//go:embed *.sql
var fs embed.FS

// Migration is a single schema generation step.
type Migration struct {
	Version     int64
	Description string
	Up          func(*sql.Tx) error
}

func runFile(n string) func(*sql.Tx) error {
	b, err := fs.ReadFile(n)
	return func(tx *sql.Tx) error {
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(b)); err != nil {
			return err
		}
		return nil
	}
}

// Migrations is the ordered list of known schema generations.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "initial vulnerability schema",
		Up:          runFile("01-init.sql"),
	},
	{
		Version:     2,
		Description: "software product and version tracking",
		Up:          runFile("02-software.sql"),
	},
	{
		Version:     3,
		Description: "robot inventory and operation ledger",
		Up:          runFile("03-robots.sql"),
	},
}

// Error reports a failed migration step. It is fatal to startup: the
// caller must not proceed to serve traffic.
type Error struct {
	Version int64
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration to schema version %d failed: %v", e.Version, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	createLedger = `CREATE TABLE IF NOT EXISTS ` + LedgerTable + ` (
	version INTEGER PRIMARY KEY,
	installed_on TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	description TEXT NOT NULL
);`
	selectVersion = `SELECT COALESCE(MAX(version), 0) FROM ` + LedgerTable + `;`
	insertLedger  = `INSERT INTO ` + LedgerTable + ` (version, description) VALUES (?, ?);`
)

// Current reports the schema generation recorded in the database,
// creating the ledger table if it does not exist yet. A fresh file
// reports 0.
func Current(ctx context.Context, db *sql.DB) (int64, error) {
	if _, err := db.ExecContext(ctx, createLedger); err != nil {
		return 0, fmt.Errorf("unable to create ledger table: %w", err)
	}
	var v int64
	if err := db.QueryRowContext(ctx, selectVersion).Scan(&v); err != nil {
		return 0, fmt.Errorf("unable to read schema version: %w", err)
	}
	return v, nil
}

// Run brings the database from whatever generation it is at to the
// latest known one, applying each pending step exactly once inside
// its own transaction and appending a ledger row per step.
//
// A ledger version newer than the latest known migration is left
// untouched and logged; the database was written by newer code.
func Run(ctx context.Context, db *sql.DB) error {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/migrations/Run")
	cur, err := Current(ctx, db)
	if err != nil {
		return &Error{Err: err}
	}
	latest := Migrations[len(Migrations)-1].Version
	if cur > latest {
		zlog.Warn(ctx).
			Int64("current", cur).
			Int64("latest", latest).
			Msg("database schema is newer than this build; leaving it untouched")
		return nil
	}
	for _, m := range Migrations {
		if m.Version <= cur {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return &Error{Version: m.Version, Err: err}
		}
		zlog.Info(ctx).
			Int64("version", m.Version).
			Str("description", m.Description).
			Msg("applied migration")
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Up(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(insertLedger, m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}

// Package sqlite implements the store.Database capability over a local
// SQLite file. Each regional replica runs its own instance.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kestrelid/kestrel/internal/auth/store"

	sqlite3 "modernc.org/sqlite"
)

type DB struct {
	db  *sql.DB
	dsn string
}

// Open opens (creating if needed) the database at dsn.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, dsn: dsn}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Ping verifies the database connection is still alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Execute runs a mutating parameterized statement.
func (d *DB) Execute(ctx context.Context, stmt string, args ...any) (store.Result, error) {
	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return store.Result{}, mapError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return store.Result{}, mapError(err)
	}
	return store.Result{Affected: affected}, nil
}

// Query runs a parameterized query. The caller owns the returned rows.
func (d *DB) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// SQLite primary and extended result codes this driver cares about.
const (
	codeBusy             = 5
	codeLocked           = 6
	codeIOErr            = 10
	codeConstraintPK     = 1555
	codeConstraintUnique = 2067
)

// mapError folds driver-specific failures onto the store taxonomy so the
// layers above never inspect sqlite details.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var se *sqlite3.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == codeConstraintUnique || code == codeConstraintPK:
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, se.Error())
		case code&0xff == codeBusy || code&0xff == codeLocked || code&0xff == codeIOErr:
			return fmt.Errorf("%w: %s", store.ErrTransient, se.Error())
		}
		return err
	}

	// The driver wraps some failures without its typed error.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", store.ErrAlreadyExists, msg)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %s", store.ErrTransient, msg)
	}
	return err
}

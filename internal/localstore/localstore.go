// Package localstore owns the SQLite file that holds the client's durable
// state: the pending-write queue and the response cache.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty file
// 1 - pending_transactions, cache_entries, cache_meta
const currentSchemaVersion = 1

// DB is the device database. Every mutation the queue and cache perform is a
// single statement or a single transaction, so a crash never leaves a row
// half-written.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pragmas and schema.
// Any failure is reported as apperr.StorageUnavailable.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("open database: %w", err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Storage(fmt.Errorf("connect to database: %w", err))
	}

	// SQLite has one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, apperr.Storage(err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, apperr.Storage(err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SQL exposes the underlying handle to the queue and cache packages.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Package persistence provides the SQLite store behind messages, conversations,
// activity records, memory items and the worker registry.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"agentcore/pkg/logx"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx so operations run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readConns bounds the read pool. WAL readers see the last committed state and never
// wait on the writer.
const readConns = 4

// DB owns a single-connection writer pool and a query-only reader pool on the same file.
type DB struct {
	sql    *sql.DB
	read   *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens (creating if needed) the database at path and brings the schema up to date.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	readDSN := fmt.Sprintf("file:%s?_pragma=query_only(1)&_pragma=busy_timeout(5000)", path)
	readDB, err := sql.Open("sqlite", readDSN)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readConns)
	readDB.SetMaxIdleConns(readConns)
	if err := readDB.Ping(); err != nil {
		_ = readDB.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping read pool: %w", err)
	}

	db := &DB{sql: sqlDB, read: readDB, path: path, logger: logx.NewLogger("persistence")}
	db.logger.Info("📦 Database ready: %s (schema v%d)", path, CurrentSchemaVersion)
	return db, nil
}

// SQL exposes the underlying pool.
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ops returns operations bound to the writer.
func (db *DB) Ops() *Ops {
	return NewOps(db.sql)
}

// Reads returns operations bound to the reader pool. Use it for queries that must not
// wait behind an open transaction. Writes through it fail.
func (db *DB) Reads() *Ops {
	return NewOps(db.read)
}

// Close closes both pools.
func (db *DB) Close() error {
	readErr := db.read.Close()
	if err := db.sql.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// WithTx runs fn in a transaction. Any error, or a panic, rolls back.
// Every write inside fn must use the provided transaction: the writer holds a single
// connection, so writing through db.Ops() from inside fn would block. Reads through
// db.Reads() proceed but do not see the uncommitted rows.
func (db *DB) WithTx(ctx context.Context, fn func(ops *Ops) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				db.logger.Warn("rollback failed: %v", rbErr)
			}
		}
	}()

	if err = fn(NewOps(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

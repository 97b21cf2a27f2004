// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the SQLite persistence layer for the portal.
//
// WRITE CONCURRENCY MODEL:
//
// Single writer connection with a read-only reader pool:
//   - writerConn: single connection (SetMaxOpenConns=1) for all writes
//   - readerPool: read-only connection pool for concurrent reads
//   - ExecContext/QueryContext/QueryRowContext route writes to writerConn
//     and reads to readerPool
//   - BeginTx (write) uses writerConn and is fully serialized by writerMu
//   - BeginTx (read-only) uses readerPool (concurrent)
//   - WAL mode allows concurrent readers during writes
//
// Serializing write transactions is what makes the machine-activation
// capacity check safe: the count-then-insert in MachineRepo runs inside one
// write transaction, so two concurrent activations against the same license
// can never both observe a free slot.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	lib "modernc.org/sqlite/lib"

	"github.com/draftbill/portal/internal/dbinterface"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	writerConn  *sql.DB                            // Single connection for all writes
	readerPool  *sql.DB                            // Read-only pool for concurrent reads
	writerStmts *ttlcache.Cache[string, *sql.Stmt] // Prepared statements, writer connection
	readerStmts *ttlcache.Cache[string, *sql.Stmt] // Prepared statements, reader pool
	stmtMu      sync.RWMutex                       // Protects stmt caches during Close

	// Write transaction serialization. Even with SetMaxOpenConns(1), BeginTx
	// does not queue properly and fails immediately with "cannot start a
	// transaction within a transaction"; the mutex serializes write
	// transactions for their entire lifetime.
	writerMu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Tx wraps sql.Tx to implement dbinterface.TxQuerier and release the writer
// mutex when a write transaction completes.
type Tx struct {
	tx         *sql.Tx
	db         *DB
	isWriteTx  bool
	unlockFn   func()
	unlockOnce sync.Once
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the writer mutex if this is a
// write transaction. On failure the transaction remains active and the
// caller must Rollback() to release the mutex.
func (t *Tx) Commit() error {
	err := t.tx.Commit()
	if err == nil && t.unlockFn != nil {
		t.unlockOnce.Do(t.unlockFn)
	}
	return err
}

// Rollback rolls back the transaction and always releases the writer mutex:
// the transaction is done whether or not the rollback itself succeeded.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if t.unlockFn != nil {
		t.unlockOnce.Do(t.unlockFn)
	}
	return err
}

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
)

type pragmaDirective struct {
	stmt          string
	allowReadOnly bool
}

var connectionPragmas = []pragmaDirective{
	{stmt: "PRAGMA journal_mode = WAL", allowReadOnly: false},
	{stmt: "PRAGMA synchronous = NORMAL", allowReadOnly: false}, // NORMAL is safe with WAL and much faster than FULL
	{stmt: "PRAGMA foreign_keys = ON", allowReadOnly: true},
	{stmt: fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis), allowReadOnly: true},
	{stmt: "PRAGMA cache_size = -16000", allowReadOnly: true}, // 16MB cache (negative = KB)
}

func applyConnectionPragmas(ctx context.Context, conn *sql.DB, readOnly bool) error {
	for _, pragma := range connectionPragmas {
		if readOnly && !pragma.allowReadOnly {
			continue
		}
		if _, err := conn.ExecContext(ctx, pragma.stmt); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma.stmt, err)
		}
	}
	return nil
}

func New(databasePath string) (*DB, error) {
	log.Info().Msgf("Initializing database at: %s", databasePath)

	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	// Writer: one connection so every write is serialized at the pool level
	writerConn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer connection at %s: %w", databasePath, err)
	}
	writerConn.SetMaxOpenConns(1)
	writerConn.SetMaxIdleConns(1)
	writerConn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if err := applyConnectionPragmas(ctx, writerConn, false); err != nil {
		writerConn.Close()
		return nil, err
	}

	readerDSN := fmt.Sprintf("file:%s?mode=ro", databasePath)
	readerPool, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writerConn.Close()
		return nil, fmt.Errorf("failed to open reader pool at %s: %w", databasePath, err)
	}
	readerPool.SetMaxOpenConns(0)
	readerPool.SetMaxIdleConns(5)
	readerPool.SetConnMaxLifetime(0)

	db := &DB{
		writerConn:  writerConn,
		readerPool:  readerPool,
		writerStmts: newStmtCache(),
		readerStmts: newStmtCache(),
	}

	if err := db.migrate(); err != nil {
		writerConn.Close()
		readerPool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel2()
	if err := applyConnectionPragmas(ctx2, readerPool, true); err != nil {
		writerConn.Close()
		readerPool.Close()
		return nil, err
	}

	log.Info().Msgf("Database initialized successfully at: %s", databasePath)

	return db, nil
}

// NewForTest wraps an existing connection (typically in-memory or temp-file
// SQLite) for use in tests. Migrations are applied, no reader pool is used.
func NewForTest(conn *sql.DB) (*DB, error) {
	db := &DB{
		writerConn:  conn,
		readerPool:  conn,
		writerStmts: newStmtCache(),
		readerStmts: newStmtCache(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func newStmtCache() *ttlcache.Cache[string, *sql.Stmt] {
	opts := ttlcache.Options[string, *sql.Stmt]{}.SetDefaultTTL(5 * time.Minute).
		SetDeallocationFunc(func(_ string, s *sql.Stmt, _ ttlcache.DeallocationReason) {
			if s != nil {
				_ = s.Close()
			}
		})
	return ttlcache.New(opts)
}

// getStmt returns a prepared statement for the query, preparing and caching
// it if necessary. Statements are cached with a TTL and closed on eviction.
func (db *DB) getStmt(ctx context.Context, query string, isWrite bool) (*sql.Stmt, error) {
	if db.closing.Load() {
		return nil, sql.ErrConnDone
	}

	db.stmtMu.RLock()
	defer db.stmtMu.RUnlock()

	var stmts *ttlcache.Cache[string, *sql.Stmt]
	var conn *sql.DB
	if isWrite {
		stmts, conn = db.writerStmts, db.writerConn
	} else {
		stmts, conn = db.readerStmts, db.readerPool
	}
	if stmts == nil || conn == nil {
		return nil, sql.ErrConnDone
	}

	if s, found := stmts.Get(query); found && s != nil {
		return s, nil
	}

	// Concurrent goroutines may prepare the same query; the loser's
	// statement is closed by the cache deallocation func on eviction.
	s, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	stmts.Set(query, s, ttlcache.DefaultTTL)

	return s, nil
}

// isWriteQuery determines whether a query must run on the writer connection.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if q == "" {
		return false
	}

	upper := strings.ToUpper(q)
	return strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "DELETE") ||
		strings.HasPrefix(upper, "CREATE") ||
		strings.HasPrefix(upper, "ALTER") ||
		strings.HasPrefix(upper, "DROP") ||
		strings.HasPrefix(upper, "VACUUM")
}

// ExecContext routes write queries to the single writer connection and read
// queries to the reader pool, using cached prepared statements when possible.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !isWriteQuery(query) {
		stmt, err := db.getStmt(ctx, query, false)
		if err != nil {
			return db.readerPool.ExecContext(ctx, query, args...)
		}
		return stmt.ExecContext(ctx, args...)
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	stmt, err := db.getStmt(ctx, query, true)
	if err != nil {
		return db.writerConn.ExecContext(ctx, query, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext routes write queries to the writer connection and read
// queries to the reader pool.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if !isWriteQuery(query) {
		stmt, err := db.getStmt(ctx, query, false)
		if err != nil {
			return db.readerPool.QueryContext(ctx, query, args...)
		}
		return stmt.QueryContext(ctx, args...)
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	stmt, err := db.getStmt(ctx, query, true)
	if err != nil {
		return db.writerConn.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext routes write queries to the writer connection and read
// queries to the reader pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	isWrite := isWriteQuery(query)
	if isWrite {
		db.writerMu.Lock()
		defer db.writerMu.Unlock()
	}

	stmt, err := db.getStmt(ctx, query, isWrite)
	if err != nil {
		if isWrite {
			return db.writerConn.QueryRowContext(ctx, query, args...)
		}
		return db.readerPool.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

const sqliteNestedTxErrSubstring = "cannot start a transaction within a transaction"

// BeginTx starts a transaction. Read-only transactions use the reader pool
// with unlimited concurrency; write transactions hold the writer mutex for
// their entire lifetime and are released by Commit or Rollback.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	isReadOnly := opts != nil && opts.ReadOnly

	if isReadOnly {
		tx, err := db.readerPool.BeginTx(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &Tx{tx: tx, db: db, isWriteTx: false}, nil
	}

	db.writerMu.Lock()

	tx, err := db.writerConn.BeginTx(ctx, opts)
	if err != nil {
		db.writerMu.Unlock()
		if strings.Contains(err.Error(), sqliteNestedTxErrSubstring) {
			// Indicates a bug: a previous transaction failed to rollback,
			// leaving the connection wedged.
			log.Error().
				Err(err).
				Str("stack", string(debug.Stack())).
				Msg("SQLite writer connection is wedged in a transaction")
			return nil, fmt.Errorf("database connection wedged: %w", err)
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Tx{
		tx:        tx,
		db:        db,
		isWriteTx: true,
		unlockFn:  db.writerMu.Unlock,
	}, nil
}

func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closing.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
		defer cancel()
		if _, err := db.writerConn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			log.Warn().Err(err).Msg("failed to run PRAGMA optimize during close")
		}

		db.stmtMu.Lock()
		if db.writerStmts != nil {
			db.writerStmts.Close()
			db.writerStmts = nil
		}
		if db.readerStmts != nil && db.readerStmts != db.writerStmts {
			db.readerStmts.Close()
			db.readerStmts = nil
		}
		db.stmtMu.Unlock()

		if err := db.writerConn.Close(); err != nil {
			db.closeErr = err
		}
		if db.readerPool != db.writerConn {
			if err := db.readerPool.Close(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
		}
	})

	return db.closeErr
}

// Conn exposes the writer connection for migrations and tests.
func (db *DB) Conn() *sql.DB {
	return db.writerConn
}

// Ping checks the reader pool. Used by the readiness probe.
func (db *DB) Ping(ctx context.Context) error {
	return db.readerPool.PingContext(ctx)
}

func (db *DB) migrate() error {
	ctx := context.Background()

	if _, err := db.writerConn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	pending, err := db.findPendingMigrations(ctx, files)
	if err != nil {
		return fmt.Errorf("failed to find pending migrations: %w", err)
	}

	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations")
		return nil
	}

	return db.applyMigrations(ctx, pending)
}

func (db *DB) findPendingMigrations(ctx context.Context, allFiles []string) ([]string, error) {
	var pending []string

	for _, filename := range allFiles {
		var count int
		err := db.writerConn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}

	return pending, nil
}

func (db *DB) applyMigrations(ctx context.Context, migrations []string) error {
	tx, err := db.writerConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollErr := tx.Rollback(); rollErr != nil && !errors.Is(rollErr, sql.ErrTxDone) {
				log.Error().Err(rollErr).Msg("rollback failed for migration transaction")
			}
		}
	}()

	for _, filename := range migrations {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}

		log.Info().Str("migration", filename).Msg("Applied migration")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	return nil
}

// IsUniqueConstraintErr reports whether err is a SQLite UNIQUE constraint
// violation. Repos use it to map constraint failures to sentinel errors.
func IsUniqueConstraintErr(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == lib.SQLITE_CONSTRAINT_UNIQUE || sqlErr.Code() == lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Package store persists tasks, executions, change sets, iteration records,
// and outbox messages in SQLite. It is the authoritative shared state: every
// status transition goes through a transaction here, and the invariants the
// executor relies on (monotone status, one Running execution per task,
// outbox rows only alongside terminal transitions) are enforced at this
// layer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"codeforge/internal/logging"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set or uniqueness condition failed.
	ErrConflict = errors.New("conflict")
)

// Store wraps the SQLite database holding all orchestration state.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open initializes the SQLite database at the given path, creating the
// schema when absent and migrating older databases forward.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("store")

	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialize access through one connection; sqlite handles one writer at
	// a time and this sidesteps SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, path: path, log: log}
	timer := logging.StartTimer(log, "schema init")
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	timer.Stop()

	log.Debug("store ready", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		type_hint TEXT NOT NULL DEFAULT '',
		override_strategy TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		class_source TEXT NOT NULL DEFAULT '',
		client_token TEXT,
		context_files TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_client_token ON tasks(client_token) WHERE client_token IS NOT NULL;
	`

	executionsTable := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		heartbeat_at DATETIME NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_running
		ON executions(task_id) WHERE status = 'Running';
	`

	iterationsTable := `
	CREATE TABLE IF NOT EXISTS iteration_records (
		execution_id TEXT NOT NULL REFERENCES executions(id),
		idx INTEGER NOT NULL,
		prompt_len INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		validation_errors INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (execution_id, idx)
	);
	`

	changeSetsTable := `
	CREATE TABLE IF NOT EXISTS change_sets (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL UNIQUE REFERENCES executions(id),
		files_changed INTEGER NOT NULL DEFAULT 0,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_removed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS file_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		change_set_id TEXT NOT NULL REFERENCES change_sets(id),
		position INTEGER NOT NULL,
		path TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		change_type TEXT NOT NULL,
		content TEXT NOT NULL,
		UNIQUE (change_set_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_file_changes_set ON file_changes(change_set_id);
	`

	outboxTable := `
	CREATE TABLE IF NOT EXISTS outbox_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		next_attempt_at DATETIME NOT NULL,
		delivered_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_due
		ON outbox_messages(next_attempt_at) WHERE delivered_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_outbox_task ON outbox_messages(task_id);
	`

	leaseTable := `
	CREATE TABLE IF NOT EXISTS publisher_lease (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`

	for _, table := range []string{
		tasksTable,
		executionsTable,
		iterationsTable,
		changeSetsTable,
		outboxTable,
		leaseTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db, s.log); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.log.Debug("closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

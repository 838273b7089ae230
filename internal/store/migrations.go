package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration adds a column to an existing table. New databases get the full
// schema from initialize; migrations only patch databases created before a
// column existed.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the initial schema shipped.
var pendingMigrations = []Migration{
	// Heartbeats arrived with the reaper; older executions get a column
	// defaulting to their start time semantics (NULL treated as stale).
	{"executions", "heartbeat_at", "DATETIME"},
	// Client tokens arrived with intake idempotency.
	{"tasks", "client_token", "TEXT"},
	// Context files were originally not persisted with the task.
	{"tasks", "context_files", "TEXT NOT NULL DEFAULT '[]'"},
	// Delivery retries were originally immediate.
	{"outbox_messages", "next_attempt_at", "DATETIME"},
}

// RunMigrations applies column migrations for databases created by earlier
// builds. Missing tables are skipped; initialize creates those.
func RunMigrations(db *sql.DB, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		log.Info("schema migration applied",
			zap.String("table", m.Table), zap.String("column", m.Column))
		applied++
	}

	if applied > 0 {
		log.Info("schema migrations complete", zap.Int("applied", applied))
	}
	return nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks sqlite_master for the table.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

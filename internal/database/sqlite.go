package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Database wraps the embedded SQLite handle. Writes from the sync workers
// are serialized through a single mutex; interleaved writers are not assumed
// safe on one connection.
type Database struct {
	DB *sql.DB

	writeMu sync.Mutex
}

func NewDatabase(cfg config.LocalDBConfig) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping local database: %w", err)
	}

	// A single connection keeps transaction boundaries unambiguous.
	db.SetMaxOpenConns(1)

	logger.Log.Info("Opened local database", zap.String("path", cfg.Path))

	return &Database{DB: db}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction, holding the write lock
// for the duration.
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// InitSchema creates the per-table record storage plus the engine's
// bookkeeping tables. Safe to call on every start.
func (d *Database) InitSchema(ctx context.Context, tables []string) error {
	return d.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			stmt := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %q (
					id            TEXT PRIMARY KEY,
					remote_id     TEXT,
					natural_key   TEXT,
					payload       TEXT NOT NULL,
					sync_status   TEXT NOT NULL DEFAULT 'new_offline',
					dirty_flag    INTEGER NOT NULL DEFAULT 0,
					retry_count   INTEGER NOT NULL DEFAULT 0,
					last_error    TEXT,
					created_at    TEXT NOT NULL,
					last_modified TEXT NOT NULL
				)`, table)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			// Duplicate natural keys are legal here: two devices can create
			// the same entity offline. Push-side cleanup collapses them.
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_natural_key" ON %q (natural_key)`, table, table)
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to index table %s: %w", table, err)
			}
			idx = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_remote_id" ON %q (remote_id)`, table, table)
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to index table %s: %w", table, err)
			}
		}

		bookkeeping := []string{
			`CREATE TABLE IF NOT EXISTS sync_conflicts (
				id                  TEXT PRIMARY KEY,
				table_name          TEXT NOT NULL,
				record_id           TEXT NOT NULL,
				local_data          TEXT NOT NULL,
				remote_data         TEXT NOT NULL,
				resolution          TEXT NOT NULL,
				detected_at         TEXT NOT NULL,
				resolved            INTEGER NOT NULL DEFAULT 0,
				resolution_strategy TEXT,
				resolved_at         TEXT,
				resolved_data       TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS sync_backups (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				backup_name TEXT NOT NULL,
				backup_data TEXT NOT NULL,
				created_at  TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_history (
				id                 TEXT PRIMARY KEY,
				started_at         TEXT NOT NULL,
				completed_at       TEXT,
				direction          TEXT NOT NULL,
				tables_synced      TEXT,
				total_rows         INTEGER NOT NULL DEFAULT 0,
				conflicts_detected INTEGER NOT NULL DEFAULT 0,
				status             TEXT NOT NULL,
				error_message      TEXT
			)`,
		}
		for _, stmt := range bookkeeping {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create bookkeeping table: %w", err)
			}
		}
		return nil
	})
}

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/batchchain/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file so that a plain
// copy of the file is consistent.
func (s *Store) Checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id          TEXT PRIMARY KEY,
			text        TEXT NOT NULL,
			mode        TEXT NOT NULL DEFAULT 'single',
			source      TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			summary     TEXT,
			chain_id    TEXT,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chains (
			id             TEXT PRIMARY KEY,
			request_id     TEXT NOT NULL,
			mode           TEXT NOT NULL,
			stage          TEXT NOT NULL,
			target_id      TEXT NOT NULL DEFAULT '',
			cost           REAL NOT NULL DEFAULT 0,
			state          TEXT NOT NULL,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			completed_at   DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chains_stage ON chains(stage, created_at)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			batch_id       TEXT NOT NULL DEFAULT '',
			provider       TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			model          TEXT NOT NULL DEFAULT '',
			result         TEXT,
			error          TEXT,
			cost           REAL NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL,
			completed_at   DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			chain_id    TEXT NOT NULL,
			stage       TEXT NOT NULL,
			message     TEXT NOT NULL,
			metadata    TEXT,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_chain ON activity(chain_id, id)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			description TEXT,
			value       BLOB NOT NULL,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func now() time.Time {
	return time.Now().UTC()
}

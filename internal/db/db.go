package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/casegate/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// FileName is the database file inside the base directory.
const FileName = "casegate.db"

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dataSourceName sets pragmas that apply to every pooled connection.
// Transactions begin IMMEDIATE so a read-then-write transaction takes the
// write lock up front and waits on busy_timeout instead of failing to
// upgrade a shared lock.
func dataSourceName(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Init initializes the SQLite database at baseDir/casegate.db.
// Tests pass t.TempDir() as baseDir.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	dbPath := filepath.Join(baseDir, FileName)
	db, err := sql.Open("sqlite", dataSourceName(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only non-zero values are applied.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS cases (
		  case_id            TEXT PRIMARY KEY,
		  customer           TEXT,
		  severity           TEXT,
		  support_tier       TEXT,
		  issue_class        TEXT,
		  resolution_outlook TEXT,
		  case_created_at    INTEGER NOT NULL DEFAULT 0,
		  status             TEXT NOT NULL,
		  state              TEXT NOT NULL,
		  gate1              TEXT NOT NULL,
		  gate2              TEXT NOT NULL,
		  gate3              TEXT NOT NULL,
		  watermark          INTEGER NOT NULL DEFAULT 0,
		  gate2_at           INTEGER NOT NULL DEFAULT 0,
		  gate3_at           INTEGER NOT NULL DEFAULT 0,
		  timeline_through   INTEGER NOT NULL DEFAULT 0,
		  timeline_entries   INTEGER NOT NULL DEFAULT 0,
		  criticality        REAL NOT NULL DEFAULT 0,
		  health             REAL NOT NULL DEFAULT 100,
		  bucket             TEXT,
		  needs_review       INTEGER NOT NULL DEFAULT 0,
		  stats_json         TEXT NOT NULL,
		  components_json    TEXT NOT NULL,
		  trend_json         TEXT NOT NULL,
		  quick_json         TEXT,
		  summary_json       TEXT,
		  failure_json       TEXT,
		  created_at         INTEGER NOT NULL,
		  updated_at         INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cases_state
		ON cases(state, criticality DESC);

		CREATE INDEX IF NOT EXISTS idx_cases_customer
		ON cases(customer)
		WHERE customer IS NOT NULL;

		CREATE TABLE IF NOT EXISTS messages (
		  case_id     TEXT NOT NULL REFERENCES cases(case_id),
		  sequence    INTEGER NOT NULL,
		  sender      TEXT,
		  text        TEXT NOT NULL,
		  timestamp   INTEGER NOT NULL,
		  owner       TEXT NOT NULL,
		  delay_days  INTEGER NOT NULL,
		  delay_note  TEXT,
		  frustration INTEGER,
		  PRIMARY KEY (case_id, sequence)
		);

		CREATE TABLE IF NOT EXISTS timeline_entries (
		  id                   TEXT PRIMARY KEY,
		  case_id              TEXT NOT NULL REFERENCES cases(case_id),
		  idx                  INTEGER NOT NULL,
		  first_seq            INTEGER NOT NULL,
		  last_seq             INTEGER NOT NULL,
		  label                TEXT NOT NULL,
		  summary              TEXT NOT NULL,
		  sentiment            TEXT NOT NULL,
		  customer_tone        TEXT,
		  frustration_detected INTEGER NOT NULL DEFAULT 0,
		  created_at           INTEGER NOT NULL,
		  UNIQUE (case_id, idx)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

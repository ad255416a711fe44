package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections for durable alert storage.
// Read and write pools are separate to leverage WAL mode's concurrent read
// capability: WAL supports unlimited readers plus exactly one writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// validateDatabasePath rejects paths that escape the working tree
func validateDatabasePath(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path must not contain '..': %s", dbPath)
	}
	if strings.ContainsRune(dbPath, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	return nil
}

// configureSQLiteConnection applies WAL mode, foreign keys, and a busy
// timeout to a pool. SQLite disables foreign keys by default, and the
// connection-string pragmas are not reliable, so both are set and verified
// explicitly here.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" journal mode, not "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	logger.Infof("SQLite %s pool: journal mode %s", poolType, journalMode)

	return nil
}

// NewSQLite opens the database with separate read and write pools
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Shared cache so both pools see the same in-memory database; without
	// it each sql.Open(":memory:") creates a separate empty database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	// query_only enforces read-only access at the SQLite level
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)
	return s, nil
}

// WithTransaction executes fn within a write transaction, rolling back on
// error or panic.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id   TEXT PRIMARY KEY,
		priority   TEXT NOT NULL,
		timestamp  DATETIME NOT NULL,
		expires_at DATETIME,
		group_id   TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		retention  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_priority ON alerts(priority);

	CREATE TABLE IF NOT EXISTS retention_audit (
		entry_id       TEXT PRIMARY KEY,
		alert_id       TEXT NOT NULL,
		action         TEXT NOT NULL,
		timestamp      DATETIME NOT NULL,
		policy_version TEXT NOT NULL,
		actor          TEXT NOT NULL DEFAULT '',
		reason         TEXT NOT NULL DEFAULT '',
		details        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_alert_id ON retention_audit(alert_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON retention_audit(timestamp);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

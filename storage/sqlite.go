package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections. Reads and writes use separate pools:
// WAL mode allows many concurrent readers but exactly one writer, so the
// write pool is capped at a single connection while the read pool fans out.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// In-memory databases report "memory" rather than "wal".
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (journal_mode=%s)", journalMode)
	}
	return nil
}

// validateDatabasePath rejects path traversal in configured database paths.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("database path must not contain '..'")
	}
	return nil
}

// NewSQLite opens the database, creating its directory and running
// migrations.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Both pools must share one in-memory database in tests.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open read database: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only on read pool: %w", err)
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
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Infow("SQLite storage ready", "path", dbPath)
	return s, nil
}

// Close closes both pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.ReadDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.WriteDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

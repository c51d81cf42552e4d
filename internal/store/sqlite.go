package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// coreTables must all be present in a non-empty cache file.
var coreTables = []string{"repositories", "images", "tags", "tag_metadata"}

// Store provides SQLite-backed persistence for the registry cache
type Store struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations.
// An existing file that is unreadable or lacks the cache tables is moved
// aside with a timestamped suffix and an empty cache is started instead.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	if _, err := prepareCacheFile(ctx, dbPath, logger); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer. This also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func dsn(path string) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !isMemoryPath(path) {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// prepareCacheFile inspects an existing cache file and moves it aside when
// it cannot be migrated. It returns the backup path, empty when nothing moved.
func prepareCacheFile(ctx context.Context, path string, logger *slog.Logger) (string, error) {
	if isMemoryPath(path) {
		return "", nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat database: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	reason := inspectCacheFile(ctx, path)
	if reason == "" {
		return "", nil
	}

	backup := fmt.Sprintf("%s.incompatible-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	logger.Warn("cache file is incompatible, starting from an empty cache",
		"path", path, "reason", reason, "backup", backup)

	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("failed to back up incompatible cache file: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			if err := os.Rename(path+suffix, backup+suffix); err != nil {
				return "", fmt.Errorf("failed to back up %s file: %w", suffix, err)
			}
		}
	}
	return backup, nil
}

// inspectCacheFile returns a non-empty reason when the file at path is not
// a usable cache: unreadable, or holding tables without the cache's core set.
func inspectCacheFile(ctx context.Context, path string) string {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err.Error()
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Sprintf("unreadable: %v", err)
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}

	delete(tables, "schema_version")
	if len(tables) == 0 {
		return ""
	}
	for _, t := range coreTables {
		if !tables[t] {
			return "missing table " + t
		}
	}
	return ""
}

// WithTx runs fn inside a single transaction. The transaction is rolled
// back when fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsEmpty reports whether the cache holds no repositories.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM repositories)"); err != nil {
		return false, fmt.Errorf("failed to check cache contents: %w", err)
	}
	return !exists, nil
}

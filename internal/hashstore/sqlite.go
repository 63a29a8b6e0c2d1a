package hashstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals
var gooseMu sync.Mutex

// SQLiteStore persists hashes in a SQLite database file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate hash store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, "migrations")
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM file_hashes WHERE name = ?`, name).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get hash[%s]: %w", name, err)
	}
	return hash, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, name, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_hashes (name, hash, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at
	`, name, hash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set hash[%s]: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_hashes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete hash[%s]: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_hashes`)
	if err != nil {
		return fmt.Errorf("failed to clear hashes: %w", err)
	}
	return nil
}

// List returns every stored name -> hash pair
func (s *SQLiteStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, hash FROM file_hashes`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hashes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan hash row: %w", err)
		}
		result[name] = hash
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hash rows: %w", err)
	}

	return result, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Package sqlite implements profile.Updater on a local SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/3leaps/vidgen/pkg/profile"
)

const driverName = "vidgen_sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

const schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
	user_id    TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, field)
);`

// Store is a SQLite-backed profile field store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ profile.Updater = (*Store)(nil)

// Open opens (and creates if needed) the database at path and applies the
// schema. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers on file databases.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping profile store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate profile store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("profile store path is required")
	case path == ":memory:":
		return path, nil
	case strings.HasPrefix(path, "file:"):
		return path, nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create profile store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// UpdateUserField upserts one whitelisted field.
func (s *Store) UpdateUserField(ctx context.Context, userID, field, value string) error {
	if err := profile.CheckField(userID, field); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_profiles (user_id, field, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, field, value, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update profile %s.%s: %w", userID, field, err)
	}
	return nil
}

// Field returns the stored value, or "" and false when unset.
func (s *Store) Field(ctx context.Context, userID, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_profiles WHERE user_id = ? AND field = ?`, userID, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read profile %s.%s: %w", userID, field, err)
	}
	return value, true, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

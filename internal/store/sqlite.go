package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// MemoryDir makes the SQLite backend keep every user's database in memory.
const MemoryDir = ":memory:"

// SQLiteStore implements Store with one SQLite database per user.
type SQLiteStore struct {
	dir string

	mu sync.RWMutex
	db *sqlx.DB
}

// NewSQLiteStore returns a store keeping its databases under dir. Nothing
// is opened until Init.
func NewSQLiteStore(dir string) *SQLiteStore {
	return &SQLiteStore{dir: dir}
}

// Init opens (or creates) the database of userID, enables WAL mode, and
// runs any pending schema migrations. A previously opened database is
// closed first.
func (s *SQLiteStore) Init(ctx context.Context, userID string) error {
	dbPath := MemoryDir
	if s.dir != MemoryDir {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return fmt.Errorf("creating store directory %s: %w", s.dir, err)
		}
		dbPath = userPath(s.dir, userID, ".db")
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("opening sqlite db: %w", err)
	}

	// A pooled in-memory database would give each connection its own copy.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("running migrations: %w", err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close previous store database")
		}
	}

	logrus.WithField("user", userID).Debug("Local store initialized")

	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

func (s *SQLiteStore) conn() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func runMigrations(ctx context.Context, db *sqlx.DB) error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := db.GetContext(
		ctx,
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// ListItems retrieves the values stored under keys, either by exact key
// or by key prefix.
func (s *SQLiteStore) ListItems(
	ctx context.Context,
	exact bool,
	keys ...string,
) ([]json.RawMessage, error) {
	if err := validKeys(keys); err != nil {
		return nil, err
	}

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for _, key := range keys {
		var values []string
		if exact {
			err = db.SelectContext(ctx, &values, "SELECT value FROM items WHERE key = ?", key)
		} else {
			// LIKE would treat "_" in keys as a wildcard.
			err = db.SelectContext(ctx, &values,
				"SELECT value FROM items WHERE substr(key, 1, length(?)) = ? ORDER BY key",
				key, key,
			)
		}
		if err != nil {
			return nil, fmt.Errorf("listing items %s: %w", key, err)
		}

		for _, v := range values {
			out = append(out, json.RawMessage(v))
		}
	}

	return out, nil
}

// Store inserts or replaces a single value.
func (s *SQLiteStore) Store(ctx context.Context, key string, value any) error {
	if key == "" {
		return ErrInvalidKey
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	_, err = db.ExecContext(ctx,
		"INSERT OR REPLACE INTO items (key, value, updated_at) VALUES (?, ?, ?)",
		key, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	return nil
}

// StoreList inserts or replaces a batch of values in one transaction.
func (s *SQLiteStore) StoreList(ctx context.Context, prefix string, items []Item) error {
	if prefix == "" {
		return ErrInvalidKey
	}
	if len(items) == 0 {
		return nil
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR REPLACE INTO items (key, value, updated_at) VALUES (?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("preparing store statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if item.ID == "" {
			return ErrInvalidKey
		}

		key := prefix + "_" + item.ID

		data, err := json.Marshal(item.Value)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", key, err)
		}

		if _, err := stmt.ExecContext(ctx, key, string(data), now); err != nil {
			return fmt.Errorf("storing %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// RemoveList deletes key and all of its descendants.
func (s *SQLiteStore) RemoveList(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	prefix := descendantPrefix(key)

	_, err = db.ExecContext(ctx,
		"DELETE FROM items WHERE key = ? OR substr(key, 1, length(?)) = ?",
		key, prefix, prefix,
	)
	if err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// Clear removes every item.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM items"); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInvalidKey is returned for empty keys or prefixes.
var ErrInvalidKey = errors.New("invalid store key")

// ErrNotInitialized is returned when a store is used before Init.
var ErrNotInitialized = errors.New("store not initialized")

// Item is one entry of a StoreList batch. It is persisted under
// prefix + "_" + ID.
type Item struct {
	ID    string
	Value any
}

// Store defines the key/list persistence used for folders and messages.
// Values are JSON encoded. Implementations are safe for concurrent use.
type Store interface {
	// Init opens the per-user database. It must be called before any other
	// method and may be called again to switch users.
	Init(ctx context.Context, userID string) error

	// ListItems returns the values stored under keys. With exact set, each
	// key must match exactly; otherwise each key is treated as a prefix.
	// Results are ordered by key within each query key.
	ListItems(ctx context.Context, exact bool, keys ...string) ([]json.RawMessage, error)

	// Store persists value under key, replacing any previous value.
	Store(ctx context.Context, key string, value any) error

	// StoreList persists items in one batch under prefix + "_" + item.ID.
	StoreList(ctx context.Context, prefix string, items []Item) error

	// RemoveList removes key and every key below it (key + "_" ...).
	RemoveList(ctx context.Context, key string) error

	// Clear removes everything for the current user.
	Clear(ctx context.Context) error

	Close() error
}

// Open returns an uninitialized store for the given backend.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(dir), nil
	case "badger":
		return NewBadgerStore(dir), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Decode unmarshals every raw value into a T.
func Decode[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding stored value: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func userPath(dir, userID, ext string) string {
	return filepath.Join(dir, sanitizeUserID(userID)+ext)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements Store on an embedded badger database, one
// directory per user. An empty dir or MemoryDir keeps data in memory.
type BadgerStore struct {
	dir string

	mu       sync.RWMutex
	db       *badger.DB
	gcExitCh chan struct{}
	wg       sync.WaitGroup
}

// NewBadgerStore returns a store keeping its databases under dir.
func NewBadgerStore(dir string) *BadgerStore {
	return &BadgerStore{dir: dir}
}

// Init opens the database of userID, closing any previous one.
func (b *BadgerStore) Init(_ context.Context, userID string) error {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if b.dir != "" && b.dir != MemoryDir {
		opts = badger.DefaultOptions(userPath(b.dir, userID, ""))
	}

	db, err := badger.Open(opts.
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR),
	)
	if err != nil {
		return fmt.Errorf("opening badger db: %w", err)
	}

	if err := b.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close previous store database")
	}

	b.mu.Lock()
	b.db = db
	b.gcExitCh = make(chan struct{})
	b.mu.Unlock()

	if !opts.InMemory {
		b.wg.Add(1)
		go b.startGCCollector(db, b.gcExitCh)
	}

	logrus.WithField("user", userID).Debug("Local store initialized")

	return nil
}

func (b *BadgerStore) startGCCollector(db *badger.DB, exitCh <-chan struct{}) {
	// Value log garbage collection has to be triggered manually.
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for db.RunValueLogGC(0.5) == nil {
			}

		case <-exitCh:
			return
		}
	}
}

func (b *BadgerStore) conn() (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.db == nil {
		return nil, ErrNotInitialized
	}
	return b.db, nil
}

// ListItems retrieves the values stored under keys, either by exact key
// or by key prefix.
func (b *BadgerStore) ListItems(
	_ context.Context,
	exact bool,
	keys ...string,
) ([]json.RawMessage, error) {
	if err := validKeys(keys); err != nil {
		return nil, err
	}

	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	var out []json.RawMessage

	err = db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			if exact {
				item, err := txn.Get([]byte(key))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				} else if err != nil {
					return err
				}

				value, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				out = append(out, value)

				continue
			}

			prefix := []byte(key)

			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				value, err := it.Item().ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				out = append(out, value)
			}
			it.Close()
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	return out, nil
}

// Store sets a single value.
func (b *BadgerStore) Store(_ context.Context, key string, value any) error {
	if key == "" {
		return ErrInvalidKey
	}

	db, err := b.conn()
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	return nil
}

// StoreList sets a batch of values in one write batch.
func (b *BadgerStore) StoreList(_ context.Context, prefix string, items []Item) error {
	if prefix == "" {
		return ErrInvalidKey
	}
	if len(items) == 0 {
		return nil
	}

	db, err := b.conn()
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for _, item := range items {
		if item.ID == "" {
			return ErrInvalidKey
		}

		key := prefix + "_" + item.ID

		data, err := json.Marshal(item.Value)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", key, err)
		}

		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("storing %s: %w", key, err)
		}
	}

	return wb.Flush()
}

// RemoveList deletes key and all of its descendants.
func (b *BadgerStore) RemoveList(_ context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	db, err := b.conn()
	if err != nil {
		return err
	}

	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	if err := db.DropPrefix([]byte(descendantPrefix(key))); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// Clear drops every key.
func (b *BadgerStore) Clear(context.Context) error {
	db, err := b.conn()
	if err != nil {
		return err
	}

	if err := db.DropAll(); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	return nil
}

// Close stops the garbage collector and closes the database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	db, exitCh := b.db, b.gcExitCh
	b.db, b.gcExitCh = nil, nil
	b.mu.Unlock()

	if db == nil {
		return nil
	}

	close(exitCh)
	b.wg.Wait()

	return db.Close()
}

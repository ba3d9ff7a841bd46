package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an initialized in-memory SQLiteStore with all
// migrations applied. It automatically closes the store when the test
// completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s := store.NewSQLiteStore(store.MemoryDir)
	if err := s.Init(context.Background(), "test"); err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestBadgerStore creates an initialized in-memory BadgerStore.
func NewTestBadgerStore(t *testing.T) *store.BadgerStore {
	t.Helper()

	s := store.NewBadgerStore(store.MemoryDir)
	if err := s.Init(context.Background(), "test"); err != nil {
		t.Fatalf("creating test badger store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test badger store: %v", err)
		}
	})

	return s
}

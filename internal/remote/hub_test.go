package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversInOrder(t *testing.T) {
	var hub Hub[Event]
	var got []string

	hub.Subscribe(func(e Event) { got = append(got, "a") })
	hub.Subscribe(func(e Event) { got = append(got, "b") })

	hub.Publish(SyncEvent{Type: SyncNew, Path: "INBOX"})

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestHubUnsubscribe(t *testing.T) {
	var hub Hub[int]
	var calls int

	unsubscribe := hub.Subscribe(func(int) { calls++ })
	hub.Publish(1)

	unsubscribe()
	unsubscribe()
	hub.Publish(2)

	assert.Equal(t, 1, calls)
	assert.Zero(t, hub.Len())
}

func TestHubUnsubscribeDuringPublish(t *testing.T) {
	var hub Hub[int]
	var calls int

	var unsubscribe func()
	unsubscribe = hub.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	require.NotPanics(t, func() { hub.Publish(1) })
	hub.Publish(2)

	assert.Equal(t, 1, calls)
}

func TestNewMailboxCache(t *testing.T) {
	cache := NewMailboxCache([]uint32{3, 1, 7}, 12)

	assert.Equal(t, uint32(7), cache.Exists)
	assert.Equal(t, uint32(8), cache.UIDNext)
	assert.Equal(t, []uint32{3, 1, 7}, cache.UIDList)
	assert.Equal(t, uint64(12), cache.HighestModSeq)

	empty := NewMailboxCache(nil, 0)
	assert.Equal(t, uint32(1), empty.UIDNext)
}

package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nhle/mailsync/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDialer struct {
	reachable atomic.Bool
}

func (d *fakeDialer) dial(context.Context, string, string) (net.Conn, error) {
	if !d.reachable.Load() {
		return nil, errors.New("unreachable")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func TestMonitorWithoutAddressIsOnline(t *testing.T) {
	m := NewMonitor(model.NetworkConfig{}, nil)
	m.Start(context.Background())
	defer m.Stop()

	assert.True(t, m.Online())
}

func TestMonitorReportsTransitions(t *testing.T) {
	d := &fakeDialer{}
	m := NewMonitor(model.NetworkConfig{
		ProbeAddress:  "mail.example.com:993",
		ProbeInterval: time.Hour,
	}, d.dial)

	var mu sync.Mutex
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, online)
	})
	defer unsubscribe()

	m.Start(context.Background())
	defer m.Stop()

	assert.False(t, m.Online())

	d.reachable.Store(true)
	m.Trigger()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, seen)
}

func TestSetOnlineNotifiesOnlyOnChange(t *testing.T) {
	m := NewMonitor(model.NetworkConfig{}, nil)

	calls := 0
	m.Subscribe(func(bool) { calls++ })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.Equal(t, 2, calls)
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMonitor(model.NetworkConfig{}, nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

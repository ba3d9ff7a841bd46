// Package network tracks whether the host can reach the network.
package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

// DialFunc opens a connection, like net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Monitor probes a TCP address on a ticker and reports online/offline
// transitions to subscribers. Without a probe address the host is always
// considered online.
type Monitor struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc

	online atomic.Bool
	events remote.Hub[bool]

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu      sync.Mutex
	running bool
}

// NewMonitor creates a Monitor from cfg. dial may be nil.
func NewMonitor(cfg model.NetworkConfig, dial DialFunc) *Monitor {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	m := &Monitor{
		address:   cfg.ProbeAddress,
		interval:  cfg.ProbeInterval,
		timeout:   cfg.ProbeTimeout,
		dial:      dial,
		triggerCh: make(chan struct{}, 1),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}

	m.online.Store(true)

	return m
}

// Online reports the last probe result.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe registers fn for transitions. fn receives the new state.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Start probes once and then keeps probing in the background until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.set(m.probe(ctx))

	go m.loop(ctx, m.stopCh, m.doneCh)
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

// Trigger requests an immediate probe.
func (m *Monitor) Trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// SetOnline forces the state, notifying subscribers on a change.
func (m *Monitor) SetOnline(online bool) {
	m.set(online)
}

func (m *Monitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.set(m.probe(ctx))
		case <-m.triggerCh:
			m.set(m.probe(ctx))
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.address == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.address)
	if err != nil {
		logrus.WithError(err).WithField("address", m.address).Debug("Network probe failed")
		return false
	}
	_ = conn.Close()

	return true
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	logrus.WithField("online", online).Info("Network state changed")

	m.events.Publish(online)
}

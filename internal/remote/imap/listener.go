package imap

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/remote"
)

// idleRefresh re-issues IDLE before servers drop it (RFC 2177 allows
// disconnecting after 30 minutes).
const idleRefresh = 25 * time.Minute

// listener keeps a dedicated connection in IDLE on one mailbox and runs a
// diff pass whenever the server reports a change.
type listener struct {
	path string
	conn *imapclient.Client

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	mu    sync.Mutex
	flags []remote.MessageFlags
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) handler() *imapclient.UnilateralDataHandler {
	return &imapclient.UnilateralDataHandler{
		Expunge: func(uint32) { l.signal() },
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				l.signal()
			}
		},
		Fetch: func(msg *imapclient.FetchMessageData) {
			buf, err := msg.Collect()
			if err != nil || buf.UID == 0 || buf.Flags == nil {
				l.signal()
				return
			}

			l.mu.Lock()
			l.flags = append(l.flags, remote.MessageFlags{
				UID:    uint32(buf.UID),
				Flags:  flagStrings(buf.Flags),
				ModSeq: buf.ModSeq,
			})
			l.mu.Unlock()

			l.signal()
		},
	}
}

func (l *listener) takeFlags() []remote.MessageFlags {
	l.mu.Lock()
	defer l.mu.Unlock()

	flags := l.flags
	l.flags = nil

	return flags
}

// ListenForChanges opens a second connection on path and keeps it in IDLE
// until StopListeningForChanges. Changes are published as sync events.
func (c *Client) ListenForChanges(ctx context.Context, path string) error {
	if err := c.StopListeningForChanges(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to stop previous change listener")
	}

	l := &listener{
		path: path,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	conn, err := c.dial(ctx, l.handler())
	if err != nil {
		return err
	}

	if _, err := conn.Select(path, &imap.SelectOptions{
		CondStore: conn.Caps().Has(imap.CapCondStore),
	}).Wait(); err != nil {
		_ = conn.Close()
		return &remote.ProtocolError{Op: "selecting " + path + " for listening", Err: err}
	}

	l.conn = conn

	c.listenMu.Lock()
	c.listener = l
	c.listenMu.Unlock()

	go c.listen(l)

	logrus.WithField("path", path).Debug("Listening for changes")

	return nil
}

// StopListeningForChanges ends IDLE and closes the listening connection.
func (c *Client) StopListeningForChanges(context.Context) error {
	c.listenMu.Lock()
	l := c.listener
	c.listener = nil
	c.listenMu.Unlock()

	if l == nil {
		return nil
	}

	close(l.stop)
	<-l.done

	if err := l.conn.Logout().Wait(); err != nil {
		_ = l.conn.Close()
		return nil
	}

	return l.conn.Close()
}

func (c *Client) listen(l *listener) {
	defer close(l.done)

	for {
		events, err := c.syncMailbox(l.conn, l.path, l.takeFlags())
		if err != nil {
			c.listenFailed(l, err)
			return
		}
		c.publish(events)

		idle, err := l.conn.Idle()
		if err != nil {
			c.listenFailed(l, &remote.ProtocolError{Op: "starting IDLE", Err: err})
			return
		}

		stopped := false
		select {
		case <-l.stop:
			stopped = true
		case <-l.wake:
		case <-time.After(idleRefresh):
		case <-l.conn.Closed():
			c.listenFailed(l, &remote.ProtocolError{Op: "IDLE", Err: errors.New("connection closed by server")})
			return
		}

		if err := idle.Close(); err == nil {
			err = idle.Wait()
			if err != nil && !stopped {
				c.listenFailed(l, &remote.ProtocolError{Op: "ending IDLE", Err: err})
				return
			}
		}

		if stopped {
			return
		}
	}
}

func (c *Client) listenFailed(l *listener, err error) {
	select {
	case <-l.stop:
		return
	default:
	}

	if c.closing.Load() {
		return
	}

	logrus.WithError(err).WithField("path", l.path).Warn("Change listener failed")
	c.events.Publish(remote.ErrorEvent{Err: err})
}

// syncMailbox compares the server state of the selected mailbox path with
// the cache and returns new, deleted and flag-change events. flags holds
// changes already received unilaterally.
func (c *Client) syncMailbox(
	conn *imapclient.Client,
	path string,
	flags []remote.MessageFlags,
) ([]remote.SyncEvent, error) {
	search, err := conn.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: 1, Stop: 0}}},
	}, nil).Wait()
	if err != nil {
		return nil, &remote.ProtocolError{Op: "searching " + path, Err: err}
	}

	server := xslices.Map(search.AllUIDs(), func(uid imap.UID) uint32 { return uint32(uid) })
	slices.Sort(server)

	c.cacheMu.Lock()
	cached, known := c.cache[path]
	added, removed := diffUIDs(cached.UIDList, server)
	since := cached.HighestModSeq

	cached.UIDList = server
	if len(server) > 0 {
		cached.Exists = uint32(len(server))
		cached.UIDNext = server[len(server)-1] + 1
	}
	c.cache[path] = cached
	c.cacheMu.Unlock()

	if known && since > 0 && conn.Caps().Has(imap.CapCondStore) && len(server) > 0 {
		changed, err := c.fetchChanged(conn, since)
		if err != nil {
			return nil, err
		}
		flags = append(flags, changed...)
	}

	// Flag changes for messages reported as new are redundant.
	flags = xslices.Filter(flags, func(f remote.MessageFlags) bool {
		_, isNew := slices.BinarySearch(added, f.UID)
		return !isNew
	})

	var events []remote.SyncEvent
	events = append(events, c.uidEvents(remote.SyncNew, path, added)...)
	events = append(events, c.uidEvents(remote.SyncDeleted, path, removed)...)
	events = append(events, c.flagEvents(path, flags)...)

	if maxModSeq := highestModSeq(flags); maxModSeq > since {
		c.cacheMu.Lock()
		entry := c.cache[path]
		entry.HighestModSeq = maxModSeq
		c.cache[path] = entry
		c.cacheMu.Unlock()
	}

	return events, nil
}

func (c *Client) fetchChanged(conn *imapclient.Client, since uint64) ([]remote.MessageFlags, error) {
	bufs, err := conn.Fetch(imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: since,
	}).Collect()
	if err != nil {
		return nil, &remote.ProtocolError{Op: "fetching changed flags", Err: err}
	}

	return xslices.Map(bufs, func(buf *imapclient.FetchMessageBuffer) remote.MessageFlags {
		return remote.MessageFlags{
			UID:    uint32(buf.UID),
			Flags:  flagStrings(buf.Flags),
			ModSeq: buf.ModSeq,
		}
	}), nil
}

func (c *Client) uidEvents(kind remote.SyncEventType, path string, uids []uint32) []remote.SyncEvent {
	return xslices.Map(xslices.Chunk(uids, c.batchSize), func(chunk []uint32) remote.SyncEvent {
		return remote.SyncEvent{Type: kind, Path: path, UIDs: chunk}
	})
}

func (c *Client) flagEvents(path string, flags []remote.MessageFlags) []remote.SyncEvent {
	return xslices.Map(xslices.Chunk(flags, c.batchSize), func(chunk []remote.MessageFlags) remote.SyncEvent {
		return remote.SyncEvent{Type: remote.SyncMessages, Path: path, Messages: chunk}
	})
}

// publish delivers events to subscribers. It must not be called with c.mu
// held since subscribers issue commands in response.
func (c *Client) publish(events []remote.SyncEvent) {
	for _, event := range events {
		c.events.Publish(event)
	}
}

// diffUIDs returns the UIDs only in server and only in cached. Both results
// are sorted.
func diffUIDs(cached, server []uint32) (added, removed []uint32) {
	inCache := make(map[uint32]bool, len(cached))
	for _, uid := range cached {
		inCache[uid] = true
	}

	inServer := make(map[uint32]bool, len(server))
	for _, uid := range server {
		inServer[uid] = true
		if !inCache[uid] {
			added = append(added, uid)
		}
	}

	for _, uid := range cached {
		if !inServer[uid] {
			removed = append(removed, uid)
		}
	}

	slices.Sort(added)
	slices.Sort(removed)

	return added, removed
}

func highestModSeq(flags []remote.MessageFlags) uint64 {
	var max uint64
	for _, f := range flags {
		if f.ModSeq > max {
			max = f.ModSeq
		}
	}
	return max
}

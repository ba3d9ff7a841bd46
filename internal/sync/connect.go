package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// ConnectIMAP logs in to the mail server, reconciles the folder list,
// seeds the client's mailbox cache, opens the inbox and starts listening
// for changes on it. It does nothing while the host is offline.
func (o *Orchestrator) ConnectIMAP(ctx context.Context) error {
	if o.network != nil && !o.network.Online() {
		return nil
	}

	o.setStatus(model.StatusConnecting, true)

	client, unsubscribe, err := o.login(ctx)
	if err != nil {
		o.setStatus(model.StatusOffline, false)
		return fmt.Errorf("connecting to imap: %w", err)
	}

	o.mu.Lock()
	previous, previousUnsubscribe := o.client, o.unsubscribe
	o.client = client
	o.unsubscribe = unsubscribe
	if o.account != nil {
		o.account.LoggingIn = false
	}
	o.mu.Unlock()

	if previous != nil {
		o.release(ctx, previous, previousUnsubscribe)
	}

	if err := o.updateFolders(ctx, client); err != nil {
		return err
	}

	client.SetMailboxCache(o.mailboxCache())

	// Online only after the cache is seeded, so the first sync pass diffs
	// against what is stored locally.
	o.setStatus(model.StatusOnline, false)

	logrus.Info("IMAP connected")

	o.replayRepairs(ctx)

	o.mu.Lock()
	var inbox *model.Folder
	if o.account != nil {
		inbox = o.account.FolderByType(model.FolderTypeInbox)
	}
	o.mu.Unlock()

	if inbox == nil {
		return nil
	}

	if err := o.OpenFolder(ctx, inbox); err != nil {
		return err
	}

	if err := client.ListenForChanges(ctx, inbox.Path); err != nil {
		return fmt.Errorf("listening for changes on %s: %w", inbox.Path, err)
	}

	return nil
}

func (o *Orchestrator) login(ctx context.Context) (remote.Client, func(), error) {
	creds, err := o.auth.Credentials(ctx)
	if err != nil {
		return nil, nil, err
	}

	client, err := o.dial(creds.IMAP)
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := client.Subscribe(func(ev remote.Event) {
		o.handleEvent(client, ev)
	})

	if err := client.Login(ctx); err != nil {
		unsubscribe()
		return nil, nil, err
	}

	return client, unsubscribe, nil
}

// mailboxCache describes every local folder the way the client expects
// it for change detection.
func (o *Orchestrator) mailboxCache() map[string]remote.MailboxCache {
	o.mu.Lock()
	defer o.mu.Unlock()

	cache := make(map[string]remote.MailboxCache)
	if o.account == nil {
		return cache
	}

	for _, f := range o.account.Folders {
		if f.IsOutbox() {
			continue
		}
		cache[f.Path] = remote.NewMailboxCache(f.UIDs, f.ModSeq)
	}

	return cache
}

// OpenFolder selects folder on the server so that its changes are
// reported. The outbox only exists locally and is never selected.
func (o *Orchestrator) OpenFolder(ctx context.Context, folder *model.Folder) error {
	client, err := o.onlineClient()
	if err != nil {
		return err
	}

	if folder.IsOutbox() {
		return nil
	}

	if err := client.SelectMailbox(ctx, folder.Path); err != nil {
		return fmt.Errorf("selecting %s: %w", folder.Path, err)
	}
	return nil
}

// DisconnectIMAP drops the server connection and marks the account
// offline. Logout failures are ignored.
func (o *Orchestrator) DisconnectIMAP(ctx context.Context) {
	o.mu.Lock()
	client, unsubscribe := o.client, o.unsubscribe
	o.client = nil
	o.unsubscribe = nil
	o.mu.Unlock()

	if client != nil {
		o.release(ctx, client, unsubscribe)
	}

	o.setStatus(model.StatusOffline, false)
}

func (o *Orchestrator) release(ctx context.Context, client remote.Client, unsubscribe func()) {
	if unsubscribe != nil {
		unsubscribe()
	}

	if err := client.StopListeningForChanges(ctx); err != nil {
		logrus.WithError(err).Debug("Failed to stop listening for changes")
	}
	if err := client.Logout(ctx); err != nil {
		logrus.WithError(err).Debug("Failed to log out")
	}
}

// tearDownAndReconnect disconnects and, while the host is online,
// schedules a reconnect. A failed reconnect schedules the next one.
func (o *Orchestrator) tearDownAndReconnect(ctx context.Context) {
	o.DisconnectIMAP(ctx)

	if o.network != nil && !o.network.Online() {
		return
	}

	if o.reconnecting.Swap(true) {
		return
	}

	logrus.WithField("in", o.reconnectInterval).Debug("Scheduling reconnect")

	o.goAsync(func(ctx context.Context) {
		timer := time.NewTimer(o.reconnectInterval)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			o.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		o.reconnecting.Store(false)

		logrus.Debug("Reconnecting")

		if err := o.ConnectIMAP(ctx); err != nil {
			logrus.WithError(err).Error("Reconnect failed")
			o.tearDownAndReconnect(ctx)
		}
	})
}

// handleEvent reacts to events of client. Events of a replaced client
// are dropped.
func (o *Orchestrator) handleEvent(client remote.Client, ev remote.Event) {
	o.mu.Lock()
	current := o.client == client
	o.mu.Unlock()

	switch ev := ev.(type) {
	case remote.ErrorEvent:
		if !current {
			return
		}
		logrus.WithError(ev.Err).Error("IMAP connection error, disconnected")
		o.goAsync(o.tearDownAndReconnect)

	case remote.CertEvent:
		o.goAsync(func(ctx context.Context) {
			err := o.auth.HandleCertificateUpdate(ctx, ev.Component, ev.PEM, o.ConnectIMAP)
			if err != nil {
				logrus.WithError(err).WithField("host", ev.Host).Error("Certificate update failed")
			}
		})

	case remote.SyncEvent:
		if !current {
			return
		}
		o.handleSync(o.ctx, ev)
	}
}

func (o *Orchestrator) onNetwork(online bool) {
	if online {
		o.goAsync(o.OnOnline)
		return
	}
	o.OnOffline(o.ctx)
}

// OnOnline connects when the host regains connectivity.
func (o *Orchestrator) OnOnline(ctx context.Context) {
	o.mu.Lock()
	ready := o.account != nil
	o.mu.Unlock()

	if !ready {
		return
	}

	if err := o.ConnectIMAP(ctx); err != nil {
		logrus.WithError(err).Error("Connecting after network came back failed")
	}
}

// OnOffline disconnects when the host loses connectivity.
func (o *Orchestrator) OnOffline(ctx context.Context) {
	o.DisconnectIMAP(ctx)
}

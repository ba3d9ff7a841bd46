// Package outbox queues outgoing mail in the local store and delivers it
// through the orchestrator whenever the client is online.
package outbox

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	cronv3 "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	mailsync "github.com/nhle/mailsync/internal/sync"
)

// ErrNoRecipients is returned by Put for mail without any To, Cc or Bcc.
var ErrNoRecipients = errors.New("message has no recipients")

const defaultInterval = 5 * time.Second

var _ Sender = (*mailsync.Orchestrator)(nil)

// Sender delivers queued mail. *sync.Orchestrator satisfies it.
type Sender interface {
	Online() bool
	SendPlaintext(ctx context.Context, mail *model.Mail) error
}

// Outbox is a durable at-least-once delivery queue.
type Outbox struct {
	store    store.Store
	sender   Sender
	interval time.Duration

	// pass admits one processing pass at a time; extra triggers are dropped.
	pass *semaphore.Weighted
	sent remote.Hub[*model.Mail]
	wg   gosync.WaitGroup

	mu       gosync.Mutex
	cron     *cronv3.Cron
	callback func(error)
}

// New creates an outbox over s that delivers through sender.
func New(s store.Store, sender Sender, cfg model.OutboxConfig) *Outbox {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Outbox{
		store:    s,
		sender:   sender,
		interval: interval,
		pass:     semaphore.NewWeighted(1),
	}
}

// Put validates and persists mail, then starts a processing pass in the
// background. mail.ID is replaced with a fresh UUID.
func (b *Outbox) Put(ctx context.Context, mail *model.Mail) error {
	if len(mail.Recipients()) == 0 {
		return ErrNoRecipients
	}

	mail.ID = uuid.NewString()

	err := b.store.StoreList(ctx, store.FolderKey(model.OutboxPath), []store.Item{{ID: mail.ID, Value: mail}})
	if err != nil {
		return fmt.Errorf("queueing mail: %w", err)
	}

	logrus.WithField("id", mail.ID).Debug("Mail queued in outbox")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(context.WithoutCancel(ctx))
	}()

	return nil
}

// StartChecking runs a processing pass every check interval. callback
// receives the result of every pass that ran, including the ones Put
// triggers.
func (b *Outbox) StartChecking(callback func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.callback = callback
	if b.cron != nil {
		return
	}

	b.cron = cronv3.New()
	b.cron.Schedule(cronv3.Every(b.interval), cronv3.FuncJob(func() {
		b.run(context.Background())
	}))
	b.cron.Start()
}

// StopChecking cancels the schedule and waits for running passes.
func (b *Outbox) StopChecking() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.callback = nil
	b.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	b.wg.Wait()
}

// SubscribeSent registers fn for every successfully sent mail.
func (b *Outbox) SubscribeSent(fn func(*model.Mail)) (unsubscribe func()) {
	return b.sent.Subscribe(fn)
}

// Pending returns the queued mail ordered by id.
func (b *Outbox) Pending(ctx context.Context) ([]*model.Mail, error) {
	raws, err := b.store.ListItems(ctx, false, store.FolderPrefix(model.OutboxPath))
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}

	return store.Decode[*model.Mail](raws)
}

func (b *Outbox) run(ctx context.Context) {
	ran, err := b.Process(ctx)
	if !ran {
		return
	}
	if err != nil {
		logrus.WithError(err).Warn("Outbox pass failed")
	}

	b.mu.Lock()
	callback := b.callback
	b.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

// Process runs one processing pass. It reports false without doing
// anything when another pass is in flight.
func (b *Outbox) Process(ctx context.Context) (bool, error) {
	if !b.pass.TryAcquire(1) {
		return false, nil
	}
	defer b.pass.Release(1)

	pending, err := b.Pending(ctx)
	if err != nil {
		return true, err
	}
	if len(pending) == 0 || !b.sender.Online() {
		return true, nil
	}

	var g errgroup.Group
	for _, mail := range pending {
		mail := mail
		g.Go(func() error {
			return b.deliver(ctx, mail)
		})
	}

	return true, g.Wait()
}

func (b *Outbox) deliver(ctx context.Context, mail *model.Mail) error {
	log := logrus.WithField("id", mail.ID)

	if err := b.sender.SendPlaintext(ctx, mail); err != nil {
		if mailsync.IsOffline(err) {
			log.Debug("Offline, keeping mail for the next pass")
			return nil
		}
		return fmt.Errorf("sending %s: %w", mail.ID, err)
	}

	b.sent.Publish(mail)

	if err := b.store.RemoveList(ctx, store.MessageKey(model.OutboxPath, mail.ID)); err != nil {
		return fmt.Errorf("dequeueing %s: %w", mail.ID, err)
	}

	log.Info("Mail sent")
	return nil
}

// Package sync keeps the in-memory mailbox model, the local store and the
// mail server consistent with each other.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

const (
	defaultReconnectInterval = 10 * time.Second

	// prefetchCount is the number of newest bodies downloaded when new
	// messages arrive.
	prefetchCount = 20

	// fetchConcurrency bounds parallel body fetches of one batch.
	fetchConcurrency = 4
)

// Mailer transmits a mail and returns the RFC 5322 text that was sent.
type Mailer interface {
	Send(ctx context.Context, mail *model.Mail) (string, error)
}

// MailerFactory creates a Mailer for an SMTP endpoint.
type MailerFactory func(creds model.ServerCredentials) Mailer

// Parser decodes fetched body parts.
type Parser interface {
	Parse(ctx context.Context, parts []model.BodyPart) ([]model.BodyPart, error)
}

// Auth provides credentials and decides on changed server certificates.
type Auth interface {
	Credentials(ctx context.Context) (model.Credentials, error)
	HandleCertificateUpdate(ctx context.Context, component, pem string, retry func(context.Context) error) error
	Logout(ctx context.Context) error
}

// Network reports host connectivity.
type Network interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     store.Store
	Dial      remote.Dialer
	NewMailer MailerFactory
	Parser    Parser
	Auth      Auth
	Network   Network
}

// IncomingEvent reports newly arrived inbox messages whose bodies have
// been loaded.
type IncomingEvent struct {
	Folder   *model.Folder
	Messages []*model.Message
}

// Orchestrator owns the account's folder and message graph. Every change
// to the graph goes through it. The mutex guards the graph and is never
// held across I/O.
type Orchestrator struct {
	store     store.Store
	dial      remote.Dialer
	newMailer MailerFactory
	parser    Parser
	auth      Auth
	network   Network

	reconnectInterval  time.Duration
	ignoreUploadOnSent []*regexp.Regexp

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu          gosync.Mutex
	account     *model.Account
	client      remote.Client
	unsubscribe func()
	states      map[stateKey]*model.MessageState
	repairs     map[stateKey]repair

	unsubscribeNetwork func()
	reconnecting       atomic.Bool

	incoming remote.Hub[IncomingEvent]
	status   remote.Hub[model.Status]
}

type stateKey struct {
	path string
	key  string
}

// New creates an Orchestrator. Init must be called before use.
func New(cfg model.SyncConfig, deps Deps) (*Orchestrator, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.IgnoreUploadOnSent))
	for _, p := range cfg.IgnoreUploadOnSent {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling sent upload pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:              deps.Store,
		dial:               deps.Dial,
		newMailer:          deps.NewMailer,
		parser:             deps.Parser,
		auth:               deps.Auth,
		network:            deps.Network,
		reconnectInterval:  interval,
		ignoreUploadOnSent: patterns,
		ctx:                ctx,
		cancel:             cancel,
		states:             make(map[stateKey]*model.MessageState),
		repairs:            make(map[stateKey]repair),
	}, nil
}

// Init opens the user's local store, loads the persisted folder list and
// starts following network transitions.
func (o *Orchestrator) Init(ctx context.Context, acc model.AccountConfig) error {
	if err := o.store.Init(ctx, acc.EmailAddress); err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}

	raws, err := o.store.ListItems(ctx, true, store.FoldersKey)
	if err != nil {
		return fmt.Errorf("loading folders: %w", err)
	}

	var records []model.FolderRecord
	if len(raws) > 0 {
		if err := json.Unmarshal(raws[0], &records); err != nil {
			return fmt.Errorf("decoding folders: %w", err)
		}
	}

	folders := xslices.Map(records, model.FolderFromRecord)
	for _, f := range folders {
		f.Normalize()
		f.UpdateCount()
	}

	o.mu.Lock()
	o.account = &model.Account{
		EmailAddress: acc.EmailAddress,
		RealName:     acc.RealName,
		Status:       model.StatusOffline,
		Folders:      folders,
	}
	o.mu.Unlock()

	o.status.Publish(model.StatusOffline)

	if o.network != nil && o.unsubscribeNetwork == nil {
		o.unsubscribeNetwork = o.network.Subscribe(o.onNetwork)
	}

	logrus.WithFields(logrus.Fields{
		"account": acc.EmailAddress,
		"folders": len(folders),
	}).Info("Loaded account")

	return nil
}

// Close disconnects and waits for background work to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.unsubscribeNetwork != nil {
		o.unsubscribeNetwork()
		o.unsubscribeNetwork = nil
	}

	o.cancel()
	o.DisconnectIMAP(ctx)
	o.wg.Wait()

	return nil
}

// Logout forgets the credentials, clears the local store and
// disconnects.
func (o *Orchestrator) Logout(ctx context.Context) error {
	if err := o.auth.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing local store: %w", err)
	}

	o.DisconnectIMAP(ctx)

	o.mu.Lock()
	o.account = nil
	o.states = make(map[stateKey]*model.MessageState)
	o.repairs = make(map[stateKey]repair)
	o.mu.Unlock()

	return nil
}

// View runs fn with the account graph locked. fn must not call back into
// the Orchestrator.
func (o *Orchestrator) View(fn func(acc *model.Account)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fn(o.account)
}

// Folder returns the folder with the given path, or nil.
func (o *Orchestrator) Folder(path string) *model.Folder {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.account == nil {
		return nil
	}
	return o.account.FolderByPath(path)
}

// Online reports whether the account is connected.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.isOnlineLocked()
}

// Busy returns the number of outstanding operations.
func (o *Orchestrator) Busy() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.account == nil {
		return 0
	}
	return o.account.Busy
}

// State returns the transient state of msg in folder.
func (o *Orchestrator) State(folder *model.Folder, msg *model.Message) model.MessageState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st, ok := o.states[stateKey{folder.Path, msg.Key()}]; ok {
		return *st
	}
	return model.MessageState{}
}

// SubscribeIncoming registers fn for new inbox messages.
func (o *Orchestrator) SubscribeIncoming(fn func(IncomingEvent)) (unsubscribe func()) {
	return o.incoming.Subscribe(fn)
}

// SubscribeStatus registers fn for connection status changes.
func (o *Orchestrator) SubscribeStatus(fn func(model.Status)) (unsubscribe func()) {
	return o.status.Subscribe(fn)
}

func (o *Orchestrator) isOnlineLocked() bool {
	return o.account != nil && o.account.Online && o.client != nil
}

// onlineClient returns the connected client or ErrOffline.
func (o *Orchestrator) onlineClient() (remote.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isOnlineLocked() {
		return nil, ErrOffline
	}
	return o.client, nil
}

func (o *Orchestrator) busy() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.account != nil {
		o.account.Busy++
	}
}

func (o *Orchestrator) done() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.account != nil && o.account.Busy > 0 {
		o.account.Busy--
	}
}

// setStatus updates the account's connection fields and notifies
// subscribers.
func (o *Orchestrator) setStatus(status model.Status, loggingIn bool) {
	o.mu.Lock()
	if o.account == nil {
		o.mu.Unlock()
		return
	}
	o.account.Status = status
	o.account.LoggingIn = loggingIn
	o.account.Online = status == model.StatusOnline
	o.mu.Unlock()

	o.status.Publish(status)
}

// stateLocked returns the mutable transient state of a message.
func (o *Orchestrator) stateLocked(path, key string) *model.MessageState {
	k := stateKey{path, key}
	st, ok := o.states[k]
	if !ok {
		st = &model.MessageState{}
		o.states[k] = st
	}
	return st
}

// goAsync runs fn in the background until Close.
func (o *Orchestrator) goAsync(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

// persistFolders writes the folder list to the local store.
func (o *Orchestrator) persistFolders(ctx context.Context) error {
	o.mu.Lock()
	if o.account == nil {
		o.mu.Unlock()
		return nil
	}
	records := xslices.Map(o.account.Folders, func(f *model.Folder) model.FolderRecord {
		return f.Record()
	})
	o.mu.Unlock()

	if err := o.store.Store(ctx, store.FoldersKey, records); err != nil {
		return fmt.Errorf("storing folders: %w", err)
	}
	return nil
}

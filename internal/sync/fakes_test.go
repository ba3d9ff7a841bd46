package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

var errBoom = errors.New("boom")

type call struct {
	op    string
	path  string
	dest  string
	uid   uint32
	uids  []uint32
	flags remote.Flags
}

// fakeClient records calls and serves canned responses.
type fakeClient struct {
	mu    gosync.Mutex
	calls []call

	folders  map[model.FolderType][]remote.FolderInfo
	messages map[uint32]*model.Message
	bodies   map[uint32][]byte
	cache    map[string]remote.MailboxCache

	loginErr  error
	deleteErr error
	moveErr   error
	flagsErr  error
	uploadErr error

	events remote.Hub[remote.Event]
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		folders: map[model.FolderType][]remote.FolderInfo{
			model.FolderTypeInbox: {{Name: "Inbox", Path: "INBOX", Type: model.FolderTypeInbox}},
			model.FolderTypeSent:  {{Name: "Sent", Path: "Sent", Type: model.FolderTypeSent}},
			model.FolderTypeTrash: {{Name: "Trash", Path: "Trash", Type: model.FolderTypeTrash}},
		},
		messages: make(map[uint32]*model.Message),
		bodies:   make(map[uint32][]byte),
	}
}

func (c *fakeClient) record(cl call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cl)
}

func (c *fakeClient) callsOf(op string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []call
	for _, cl := range c.calls {
		if cl.op == op {
			out = append(out, cl)
		}
	}
	return out
}

func (c *fakeClient) Login(context.Context) error {
	c.record(call{op: "login"})
	return c.loginErr
}

func (c *fakeClient) Logout(context.Context) error {
	c.record(call{op: "logout"})
	return nil
}

func (c *fakeClient) SelectMailbox(_ context.Context, path string) error {
	c.record(call{op: "select", path: path})
	return nil
}

func (c *fakeClient) ListWellKnownFolders(context.Context) (map[model.FolderType][]remote.FolderInfo, error) {
	return c.folders, nil
}

func (c *fakeClient) ListMessages(_ context.Context, path string, uids []uint32) ([]*model.Message, error) {
	c.record(call{op: "list", path: path, uids: uids})

	var out []*model.Message
	for _, uid := range uids {
		if m, ok := c.messages[uid]; ok {
			cp := *m
			cp.BodyParts = append([]model.BodyPart(nil), m.BodyParts...)
			out = append(out, &cp)
			continue
		}
		out = append(out, &model.Message{
			UID:       uid,
			Unread:    true,
			Subject:   "subject",
			BodyParts: []model.BodyPart{{Type: model.PartTypeText, PartNumber: "1"}},
		})
	}
	return out, nil
}

func (c *fakeClient) GetBodyParts(_ context.Context, path string, uid uint32, parts []model.BodyPart) ([]model.BodyPart, error) {
	c.record(call{op: "body", path: path, uid: uid})

	out := make([]model.BodyPart, len(parts))
	copy(out, parts)
	for i := range out {
		if body, ok := c.bodies[uid]; ok {
			out[i].Raw = body
		} else {
			out[i].Raw = []byte("body of message")
		}
	}
	return out, nil
}

func (c *fakeClient) UpdateFlags(_ context.Context, path string, uid uint32, flags remote.Flags) error {
	c.record(call{op: "flags", path: path, uid: uid, flags: flags})
	return c.flagsErr
}

func (c *fakeClient) MoveMessage(_ context.Context, path, dest string, uid uint32) error {
	c.record(call{op: "move", path: path, dest: dest, uid: uid})
	return c.moveErr
}

func (c *fakeClient) DeleteMessage(_ context.Context, path string, uid uint32) error {
	c.record(call{op: "delete", path: path, uid: uid})
	return c.deleteErr
}

func (c *fakeClient) UploadMessage(_ context.Context, path string, _ []byte) error {
	c.record(call{op: "upload", path: path})
	return c.uploadErr
}

func (c *fakeClient) ListenForChanges(_ context.Context, path string) error {
	c.record(call{op: "listen", path: path})
	return nil
}

func (c *fakeClient) StopListeningForChanges(context.Context) error {
	c.record(call{op: "stop"})
	return nil
}

func (c *fakeClient) SetMailboxCache(cache map[string]remote.MailboxCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = cache
}

func (c *fakeClient) Subscribe(h func(remote.Event)) func() {
	return c.events.Subscribe(h)
}

// fakeParser turns Raw into Content.
type fakeParser struct {
	err error
}

func (p *fakeParser) Parse(_ context.Context, parts []model.BodyPart) ([]model.BodyPart, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([]model.BodyPart, len(parts))
	for i, part := range parts {
		part.Content = part.Raw
		out[i] = part
	}
	return out, nil
}

type fakeMailer struct {
	mu   gosync.Mutex
	sent []*model.Mail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, mail *model.Mail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, mail)
	return "Subject: " + mail.Subject + "\r\n\r\n" + mail.Body, nil
}

type fakeAuth struct {
	smtpHost   string
	certCalled chan string
	loggedOut  bool
}

func (a *fakeAuth) Credentials(context.Context) (model.Credentials, error) {
	return model.Credentials{
		IMAP: model.ServerCredentials{Host: "imap.example.com", Port: 993},
		SMTP: model.ServerCredentials{Host: a.smtpHost, Port: 465},
	}, nil
}

func (a *fakeAuth) HandleCertificateUpdate(_ context.Context, component, _ string, _ func(context.Context) error) error {
	if a.certCalled != nil {
		a.certCalled <- component
	}
	return nil
}

func (a *fakeAuth) Logout(context.Context) error {
	a.loggedOut = true
	return nil
}

type fakeNetwork struct {
	online bool
	hub    remote.Hub[bool]
}

func (n *fakeNetwork) Online() bool { return n.online }

func (n *fakeNetwork) Subscribe(fn func(bool)) func() { return n.hub.Subscribe(fn) }

// failingStore fails selected writes.
type failingStore struct {
	inner store.Store

	failRemove bool
	failStore  bool
}

func (s *failingStore) Init(ctx context.Context, userID string) error {
	return s.inner.Init(ctx, userID)
}

func (s *failingStore) ListItems(ctx context.Context, exact bool, keys ...string) ([]json.RawMessage, error) {
	return s.inner.ListItems(ctx, exact, keys...)
}

func (s *failingStore) Store(ctx context.Context, key string, value any) error {
	if s.failStore && key != store.FoldersKey {
		return errBoom
	}
	return s.inner.Store(ctx, key, value)
}

func (s *failingStore) StoreList(ctx context.Context, prefix string, items []store.Item) error {
	return s.inner.StoreList(ctx, prefix, items)
}

func (s *failingStore) RemoveList(ctx context.Context, key string) error {
	if s.failRemove {
		return errBoom
	}
	return s.inner.RemoveList(ctx, key)
}

func (s *failingStore) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *failingStore) Close() error {
	return s.inner.Close()
}

type fixture struct {
	o       *Orchestrator
	client  *fakeClient
	mailer  *fakeMailer
	parser  *fakeParser
	auth    *fakeAuth
	network *fakeNetwork
	store   *failingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		client:  newFakeClient(),
		mailer:  &fakeMailer{},
		parser:  &fakeParser{},
		auth:    &fakeAuth{smtpHost: "smtp.example.com"},
		network: &fakeNetwork{online: true},
		store:   &failingStore{inner: testutil.NewTestStore(t)},
	}

	o, err := New(model.SyncConfig{
		ReconnectInterval:  time.Millisecond,
		IgnoreUploadOnSent: []string{`\.gmail\.com$`, `\.googlemail\.com$`},
	}, Deps{
		Store:     f.store,
		Dial:      func(model.ServerCredentials) (remote.Client, error) { return f.client, nil },
		NewMailer: func(model.ServerCredentials) Mailer { return f.mailer },
		Parser:    f.parser,
		Auth:      f.auth,
		Network:   f.network,
	})
	require.NoError(t, err)

	require.NoError(t, o.Init(context.Background(), model.AccountConfig{EmailAddress: "me@example.com"}))

	t.Cleanup(func() {
		require.NoError(t, o.Close(context.Background()))
	})

	f.o = o
	return f
}

// connect logs in against the fake client.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.o.ConnectIMAP(context.Background()))
	require.True(t, f.o.Online())
}

// seed puts uids into folder path as placeholders.
func (f *fixture) seed(t *testing.T, path string, uids ...uint32) *model.Folder {
	t.Helper()

	folder := f.o.Folder(path)
	require.NotNil(t, folder)

	f.o.View(func(*model.Account) {
		folder.AddUIDs(uids...)
		folder.Normalize()
	})

	return folder
}

// storeMessage persists msg in folder path.
func (f *fixture) storeMessage(t *testing.T, path string, msg *model.Message) {
	t.Helper()
	require.NoError(t, f.store.StoreList(context.Background(), store.FolderKey(path), []store.Item{{ID: msg.Key(), Value: msg}}))
}

func uidsOf(msgs []*model.Message) []uint32 {
	out := make([]uint32, len(msgs))
	for i, m := range msgs {
		out[i] = m.UID
	}
	return out
}

// Package imap implements remote.Client on top of go-imap v2.
package imap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

const (
	// DefaultBatchSize caps the number of UIDs per published sync event.
	DefaultBatchSize = 25

	dialTimeout = 30 * time.Second
)

// Client is a remote.Client backed by one IMAP work connection and, while
// listening for changes, a second connection parked in IDLE.
type Client struct {
	creds     model.ServerCredentials
	batchSize int

	events remote.Hub[remote.Event]

	// mu serializes commands on the work connection, whose selected
	// mailbox is shared state.
	mu       sync.Mutex
	conn     *imapclient.Client
	selected string
	closing  atomic.Bool

	cacheMu sync.Mutex
	cache   map[string]remote.MailboxCache

	listenMu sync.Mutex
	listener *listener
}

// NewClient creates an IMAP client for creds. Nothing is dialed until
// Login.
func NewClient(creds model.ServerCredentials, batchSize int) *Client {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Client{
		creds:     creds,
		batchSize: batchSize,
		cache:     make(map[string]remote.MailboxCache),
	}
}

// Dialer returns a remote.Dialer creating IMAP clients.
func Dialer(batchSize int) remote.Dialer {
	return func(creds model.ServerCredentials) (remote.Client, error) {
		if creds.Host == "" {
			return nil, errors.New("imap host not configured")
		}
		return NewClient(creds, batchSize), nil
	}
}

// Subscribe registers h for connection events.
func (c *Client) Subscribe(h func(remote.Event)) func() {
	return c.events.Subscribe(h)
}

// SetMailboxCache replaces what the client assumes to know about each
// mailbox.
func (c *Client) SetMailboxCache(cache map[string]remote.MailboxCache) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cache = make(map[string]remote.MailboxCache, len(cache))
	for path, entry := range cache {
		c.cache[path] = entry
	}
}

// Login dials the work connection and authenticates.
func (c *Client) Login(ctx context.Context) error {
	conn, err := c.dial(ctx, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.selected = ""
	c.mu.Unlock()

	c.closing.Store(false)

	go c.watch(conn)

	logrus.WithField("host", c.creds.Host).Info("IMAP login successful")

	return nil
}

// Logout stops the change listener and closes the work connection.
func (c *Client) Logout(ctx context.Context) error {
	c.closing.Store(true)

	if err := c.StopListeningForChanges(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to stop change listener")
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.selected = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Logout().Wait(); err != nil {
		_ = conn.Close()
		return &remote.ProtocolError{Op: "logging out", Err: err}
	}

	return conn.Close()
}

// watch publishes an ErrorEvent when conn drops while in use.
func (c *Client) watch(conn *imapclient.Client) {
	<-conn.Closed()

	if c.closing.Load() {
		return
	}

	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()

	if current {
		c.events.Publish(remote.ErrorEvent{Err: &remote.ProtocolError{
			Op:  "imap connection",
			Err: errors.New("connection closed by server"),
		}})
	}
}

// dial connects, checks the server certificate against the pinned one,
// and logs in.
func (c *Client) dial(
	ctx context.Context,
	handler *imapclient.UnilateralDataHandler,
) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.creds.Host, strconv.Itoa(c.creds.Port))

	var certChanged atomic.Bool

	opts := &imapclient.Options{
		TLSConfig:             c.tlsConfig(&certChanged),
		UnilateralDataHandler: handler,
	}

	var (
		conn *imapclient.Client
		err  error
	)

	switch strings.ToLower(c.creds.Security) {
	case "starttls":
		conn, err = imapclient.DialStartTLS(addr, opts)
	case "none":
		var raw net.Conn
		dialer := net.Dialer{Timeout: dialTimeout}
		raw, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = imapclient.New(raw, opts)
		}
	default:
		conn, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		if certChanged.Load() {
			return nil, remote.ErrCertificateChanged
		}
		return nil, &remote.ProtocolError{Op: "connecting to IMAP " + addr, Err: err}
	}

	if err := conn.Login(c.creds.Username, c.creds.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, &remote.ProtocolError{
			Op:  fmt.Sprintf("authenticating %s", c.creds.Username),
			Err: err,
		}
	}

	return conn, nil
}

// tlsConfig verifies against system roots unless a certificate is pinned,
// in which case the leaf must equal the pin.
func (c *Client) tlsConfig(changed *atomic.Bool) *tls.Config {
	cfg := &tls.Config{ServerName: c.creds.Host}

	if c.creds.PinnedCertificate == "" {
		return cfg
	}

	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("server sent no certificate")
		}

		got := EncodeCertificate(cs.PeerCertificates[0])
		if got == c.creds.PinnedCertificate {
			return nil
		}

		changed.Store(true)
		c.events.Publish(remote.CertEvent{Component: "imap", Host: c.creds.Host, PEM: got})

		return remote.ErrCertificateChanged
	}

	return cfg
}

// EncodeCertificate returns the PEM form of cert.
func EncodeCertificate(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func (c *Client) work() (*imapclient.Client, error) {
	if c.conn == nil {
		return nil, &remote.ProtocolError{Op: "imap", Err: errors.New("not logged in")}
	}
	return c.conn, nil
}

// selectLocked opens path on the work connection unless it is already
// selected. c.mu must be held.
func (c *Client) selectLocked(path string, force bool) (*imapclient.Client, *imap.SelectData, error) {
	conn, err := c.work()
	if err != nil {
		return nil, nil, err
	}

	if c.selected == path && !force {
		return conn, nil, nil
	}

	data, err := conn.Select(path, &imap.SelectOptions{
		CondStore: conn.Caps().Has(imap.CapCondStore),
	}).Wait()
	if err != nil {
		c.selected = ""
		return nil, nil, &remote.ProtocolError{Op: "selecting " + path, Err: err}
	}

	c.selected = path

	return conn, data, nil
}

// SelectMailbox opens path and reports changes since the cached state.
func (c *Client) SelectMailbox(_ context.Context, path string) error {
	c.mu.Lock()

	conn, _, err := c.selectLocked(path, true)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	events, err := c.syncMailbox(conn, path, nil)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.publish(events)

	return nil
}

// ListWellKnownFolders lists selectable mailboxes grouped by their
// special-use role.
func (c *Client) ListWellKnownFolders(context.Context) (map[model.FolderType][]remote.FolderInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.work()
	if err != nil {
		return nil, err
	}

	var opts *imap.ListOptions
	if conn.Caps().Has(imap.CapSpecialUse) {
		opts = &imap.ListOptions{ReturnSpecialUse: true}
	}

	list, err := conn.List("", "*", opts).Collect()
	if err != nil {
		return nil, &remote.ProtocolError{Op: "listing folders", Err: err}
	}

	folders := make(map[model.FolderType][]remote.FolderInfo)
	for _, data := range list {
		if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) || hasAttr(data.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}

		info := remote.FolderInfo{
			Name: folderName(data.Mailbox, data.Delim),
			Path: data.Mailbox,
			Type: folderType(data),
		}
		folders[info.Type] = append(folders[info.Type], info)
	}

	return folders, nil
}

// ListMessages fetches envelope, flags and structure of uids in path.
func (c *Client) ListMessages(_ context.Context, path string, uids []uint32) ([]*model.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectLocked(path, false)
	if err != nil {
		return nil, err
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		ModSeq:        conn.Caps().Has(imap.CapCondStore),
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}

	bufs, err := conn.Fetch(uidSet(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, &remote.ProtocolError{Op: "fetching messages in " + path, Err: err}
	}

	msgs := make([]*model.Message, 0, len(bufs))
	for _, buf := range bufs {
		msgs = append(msgs, messageFromBuffer(buf))
	}

	return msgs, nil
}

// GetBodyParts fetches the MIME header and content of each part.
func (c *Client) GetBodyParts(
	_ context.Context,
	path string,
	uid uint32,
	parts []model.BodyPart,
) ([]model.BodyPart, error) {
	if len(parts) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectLocked(path, false)
	if err != nil {
		return nil, err
	}

	sections := make([][2]*imap.FetchItemBodySection, len(parts))
	fetchOpts := &imap.FetchOptions{UID: true}
	for i, part := range parts {
		header, body := partSections(part.PartNumber)
		sections[i] = [2]*imap.FetchItemBodySection{header, body}
		fetchOpts.BodySection = append(fetchOpts.BodySection, header, body)
	}

	bufs, err := conn.Fetch(uidSet(uid), fetchOpts).Collect()
	if err != nil {
		return nil, &remote.ProtocolError{Op: fmt.Sprintf("fetching body of %d", uid), Err: err}
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("fetching body of %d: %w", uid, remote.ErrMessageNotFound)
	}

	out := make([]model.BodyPart, len(parts))
	for i, part := range parts {
		header := bufs[0].FindBodySection(sections[i][0])
		body := bufs[0].FindBodySection(sections[i][1])

		raw := make([]byte, 0, len(header)+len(body))
		raw = append(raw, header...)
		raw = append(raw, body...)

		part.Raw = raw
		out[i] = part
	}

	return out, nil
}

// UpdateFlags writes the full flag state of uid.
func (c *Client) UpdateFlags(_ context.Context, path string, uid uint32, flags remote.Flags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectLocked(path, false)
	if err != nil {
		return err
	}

	var add, del []imap.Flag

	toggle := func(flag imap.Flag, set bool) {
		if set {
			add = append(add, flag)
		} else {
			del = append(del, flag)
		}
	}
	toggle(imap.FlagSeen, !flags.Unread)
	toggle(imap.FlagAnswered, flags.Answered)
	toggle(imap.FlagFlagged, flags.Flagged)

	for _, change := range []struct {
		op    imap.StoreFlagsOp
		flags []imap.Flag
	}{
		{imap.StoreFlagsAdd, add},
		{imap.StoreFlagsDel, del},
	} {
		if len(change.flags) == 0 {
			continue
		}

		err := conn.Store(uidSet(uid), &imap.StoreFlags{
			Op:     change.op,
			Silent: true,
			Flags:  change.flags,
		}, nil).Close()
		if err != nil {
			return &remote.ProtocolError{Op: fmt.Sprintf("storing flags of %d", uid), Err: err}
		}
	}

	return nil
}

// MoveMessage moves uid from path to destination.
func (c *Client) MoveMessage(_ context.Context, path, destination string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectLocked(path, false)
	if err != nil {
		return err
	}

	if _, err := conn.Move(uidSet(uid), destination).Wait(); err != nil {
		return &remote.ProtocolError{Op: fmt.Sprintf("moving %d to %s", uid, destination), Err: err}
	}

	c.forgetUID(path, uid)

	return nil
}

// DeleteMessage flags uid as deleted and expunges it.
func (c *Client) DeleteMessage(_ context.Context, path string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectLocked(path, false)
	if err != nil {
		return err
	}

	err = conn.Store(uidSet(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return &remote.ProtocolError{Op: fmt.Sprintf("flagging %d deleted", uid), Err: err}
	}

	if conn.Caps().Has(imap.CapUIDPlus) {
		err = conn.UIDExpunge(uidSet(uid)).Close()
	} else {
		err = conn.Expunge().Close()
	}
	if err != nil {
		return &remote.ProtocolError{Op: fmt.Sprintf("expunging %d", uid), Err: err}
	}

	c.forgetUID(path, uid)

	return nil
}

// UploadMessage appends raw to path as a seen message.
func (c *Client) UploadMessage(_ context.Context, path string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.work()
	if err != nil {
		return err
	}

	cmd := conn.Append(path, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  time.Now(),
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return &remote.ProtocolError{Op: "appending to " + path, Err: err}
	}
	if err := cmd.Close(); err != nil {
		return &remote.ProtocolError{Op: "appending to " + path, Err: err}
	}
	if _, err := cmd.Wait(); err != nil {
		return &remote.ProtocolError{Op: "appending to " + path, Err: err}
	}

	return nil
}

// forgetUID drops uid from the cached UID list so a later diff does not
// report it as deleted.
func (c *Client) forgetUID(path string, uid uint32) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	entry, ok := c.cache[path]
	if !ok {
		return
	}

	list := entry.UIDList[:0:0]
	for _, u := range entry.UIDList {
		if u != uid {
			list = append(list, u)
		}
	}
	entry.UIDList = list
	c.cache[path] = entry
}

func uidSet(uids ...uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	return imap.UIDSetNum(set...)
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, attr := range attrs {
		if strings.EqualFold(string(attr), string(want)) {
			return true
		}
	}
	return false
}

func folderName(path string, delim rune) string {
	if delim == 0 {
		return path
	}
	if i := strings.LastIndex(path, string(delim)); i >= 0 {
		return path[i+1:]
	}
	return path
}

// folderType maps special-use attributes, falling back to common names for
// servers without SPECIAL-USE.
func folderType(data *imap.ListData) model.FolderType {
	if strings.EqualFold(data.Mailbox, "INBOX") {
		return model.FolderTypeInbox
	}

	switch {
	case hasAttr(data.Attrs, imap.MailboxAttrSent):
		return model.FolderTypeSent
	case hasAttr(data.Attrs, imap.MailboxAttrDrafts):
		return model.FolderTypeDrafts
	case hasAttr(data.Attrs, imap.MailboxAttrTrash):
		return model.FolderTypeTrash
	case hasAttr(data.Attrs, imap.MailboxAttrFlagged):
		return model.FolderTypeFlagged
	}

	switch strings.ToLower(folderName(data.Mailbox, data.Delim)) {
	case "sent", "sent items", "sent messages", "sent mail":
		return model.FolderTypeSent
	case "drafts", "draft":
		return model.FolderTypeDrafts
	case "trash", "deleted items", "deleted messages", "bin":
		return model.FolderTypeTrash
	case "flagged", "starred":
		return model.FolderTypeFlagged
	}

	return model.FolderTypeOther
}

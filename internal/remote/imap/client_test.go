package imap

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

const testMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob\r\n"

func TestDiffUIDs(t *testing.T) {
	added, removed := diffUIDs([]uint32{1, 2, 3}, []uint32{2, 3, 4, 5})

	assert.Equal(t, []uint32{4, 5}, added)
	assert.Equal(t, []uint32{1}, removed)

	added, removed = diffUIDs(nil, []uint32{7})
	assert.Equal(t, []uint32{7}, added)
	assert.Empty(t, removed)
}

func TestEventsAreBatched(t *testing.T) {
	c := NewClient(model.ServerCredentials{}, 2)

	events := c.uidEvents(remote.SyncNew, "INBOX", []uint32{1, 2, 3, 4, 5})

	require.Len(t, events, 3)
	assert.Equal(t, []uint32{1, 2}, events[0].UIDs)
	assert.Equal(t, []uint32{5}, events[2].UIDs)
	assert.Empty(t, c.uidEvents(remote.SyncDeleted, "INBOX", nil))
}

func TestFolderType(t *testing.T) {
	tests := []struct {
		data *imap.ListData
		want model.FolderType
	}{
		{&imap.ListData{Mailbox: "INBOX", Delim: '/'}, model.FolderTypeInbox},
		{&imap.ListData{Mailbox: "[Gmail]/Sent Mail", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrSent}}, model.FolderTypeSent},
		{&imap.ListData{Mailbox: "Papierkorb", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrTrash}}, model.FolderTypeTrash},
		{&imap.ListData{Mailbox: "INBOX.Drafts", Delim: '.'}, model.FolderTypeDrafts},
		{&imap.ListData{Mailbox: "Work", Delim: '/'}, model.FolderTypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.data.Mailbox, func(t *testing.T) {
			assert.Equal(t, tt.want, folderType(tt.data))
		})
	}

	assert.Equal(t, "Sent Mail", folderName("[Gmail]/Sent Mail", '/'))
}

func TestBodyParts(t *testing.T) {
	bs := &imap.BodyStructureMultiPart{
		Subtype: "mixed",
		Children: []imap.BodyStructure{
			&imap.BodyStructureMultiPart{
				Subtype: "alternative",
				Children: []imap.BodyStructure{
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "plain", Encoding: "7bit", Size: 10},
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "html", Encoding: "quoted-printable", Size: 20},
				},
			},
			&imap.BodyStructureSinglePart{Type: "image", Subtype: "png", ID: "<logo@x>", Encoding: "base64", Size: 30},
		},
	}

	parts := bodyParts(bs)

	require.Len(t, parts, 3)
	assert.Equal(t, model.BodyPart{Type: model.PartTypeText, PartNumber: "1.1", MIMEType: "text/plain", Encoding: "7bit", Size: 10}, parts[0])
	assert.Equal(t, model.PartTypeHTML, parts[1].Type)
	assert.Equal(t, "1.2", parts[1].PartNumber)
	assert.Equal(t, model.PartTypeAttachment, parts[2].Type)
	assert.Equal(t, "logo@x", parts[2].ContentID)
	assert.Equal(t, "2", parts[2].PartNumber)
}

func TestPartSections(t *testing.T) {
	header, body := partSections("")
	assert.Equal(t, imap.PartSpecifierHeader, header.Specifier)
	assert.Equal(t, imap.PartSpecifierText, body.Specifier)

	header, body = partSections("1.2")
	assert.Equal(t, imap.PartSpecifierMIME, header.Specifier)
	assert.Equal(t, []int{1, 2}, header.Part)
	assert.Equal(t, []int{1, 2}, body.Part)
	assert.True(t, body.Peek)
}

func startServer(t *testing.T) model.ServerCredentials {
	t.Helper()

	memServer := imapmemserver.New()

	user := imapmemserver.NewUser("bob", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	require.NoError(t, user.Create("Trash", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	return model.ServerCredentials{
		Host:     host,
		Port:     portNum,
		Username: "bob",
		Password: "secret",
		Security: "none",
	}
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	c := NewClient(startServer(t), 0)

	var events []remote.SyncEvent
	c.Subscribe(func(e remote.Event) {
		if se, ok := e.(remote.SyncEvent); ok {
			events = append(events, se)
		}
	})

	require.NoError(t, c.Login(ctx))
	defer func() { require.NoError(t, c.Logout(ctx)) }()

	folders, err := c.ListWellKnownFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders[model.FolderTypeInbox], 1)
	require.Len(t, folders[model.FolderTypeTrash], 1)

	require.NoError(t, c.UploadMessage(ctx, "INBOX", []byte(testMessage)))

	c.SetMailboxCache(map[string]remote.MailboxCache{"INBOX": remote.NewMailboxCache(nil, 0)})
	require.NoError(t, c.SelectMailbox(ctx, "INBOX"))

	require.Len(t, events, 1)
	require.Equal(t, remote.SyncNew, events[0].Type)
	require.Len(t, events[0].UIDs, 1)
	uid := events[0].UIDs[0]

	msgs, err := c.ListMessages(ctx, "INBOX", []uint32{uid})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Subject)
	assert.False(t, msgs[0].Unread)
	require.Len(t, msgs[0].BodyParts, 1)

	parts, err := c.GetBodyParts(ctx, "INBOX", uid, msgs[0].BodyParts)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.True(t, strings.Contains(string(parts[0].Raw), "Hi Bob"))

	require.NoError(t, c.UpdateFlags(ctx, "INBOX", uid, remote.Flags{Unread: true, Flagged: true}))

	msgs, err = c.ListMessages(ctx, "INBOX", []uint32{uid})
	require.NoError(t, err)
	assert.True(t, msgs[0].Unread)
	assert.True(t, msgs[0].Flagged)

	require.NoError(t, c.MoveMessage(ctx, "INBOX", "Trash", uid))

	events = nil
	require.NoError(t, c.SelectMailbox(ctx, "INBOX"))
	assert.Empty(t, events)
}

func TestListenerReportsNewMessages(t *testing.T) {
	ctx := context.Background()
	c := NewClient(startServer(t), 0)

	got := make(chan remote.SyncEvent, 4)
	c.Subscribe(func(e remote.Event) {
		if se, ok := e.(remote.SyncEvent); ok {
			got <- se
		}
	})

	require.NoError(t, c.Login(ctx))
	defer func() { require.NoError(t, c.Logout(ctx)) }()

	c.SetMailboxCache(map[string]remote.MailboxCache{"INBOX": remote.NewMailboxCache(nil, 0)})
	require.NoError(t, c.ListenForChanges(ctx, "INBOX"))

	require.NoError(t, c.UploadMessage(ctx, "INBOX", []byte(testMessage)))

	select {
	case e := <-got:
		assert.Equal(t, remote.SyncNew, e.Type)
		assert.Equal(t, "INBOX", e.Path)
		assert.Len(t, e.UIDs, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no sync event received")
	}

	require.NoError(t, c.StopListeningForChanges(ctx))
}

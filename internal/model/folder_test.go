package model

import (
	"sort"
	"testing"

	"github.com/bradenaw/juniper/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageUIDs(f *Folder) []uint32 {
	uids := xslices.Map(f.Messages, func(m *Message) uint32 { return m.UID })
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func TestNormalizeSynthesizesPlaceholders(t *testing.T) {
	f := &Folder{
		Path:     "INBOX",
		UIDs:     []uint32{5, 1, 3, 3},
		Messages: []*Message{{UID: 3, Subject: "known"}},
	}

	f.Normalize()

	require.Equal(t, []uint32{1, 3, 5}, f.UIDs)
	require.Equal(t, f.UIDs, messageUIDs(f))
	assert.Equal(t, "known", f.FindUID(3).Subject)
	assert.True(t, f.FindUID(1).IsPlaceholder())
}

func TestNormalizeSkipsOutbox(t *testing.T) {
	f := &Folder{Path: OutboxPath, Messages: []*Message{{ID: "a"}}}

	f.Normalize()

	require.Len(t, f.Messages, 1)
	assert.Empty(t, f.UIDs)
}

func TestAddRemoveUIDs(t *testing.T) {
	f := &Folder{UIDs: []uint32{1, 2, 3}}

	f.AddUIDs(3, 5, 4)
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, f.UIDs)
	assert.Equal(t, uint32(5), f.MaxUID())
	assert.True(t, f.HasUID(4))

	f.RemoveUIDs(2, 9)
	require.Equal(t, []uint32{1, 3, 4, 5}, f.UIDs)
	assert.False(t, f.HasUID(2))
}

func TestUpdateCount(t *testing.T) {
	inbox := &Folder{Path: "INBOX", Messages: []*Message{{UID: 1, Unread: true}, {UID: 2}}}
	inbox.UpdateCount()
	assert.Equal(t, 1, inbox.Count)

	outbox := &Folder{Path: OutboxPath, Messages: []*Message{{ID: "a"}, {ID: "b"}}}
	outbox.UpdateCount()
	assert.Equal(t, 2, outbox.Count)
}

func TestLessFolder(t *testing.T) {
	folders := []*Folder{
		{Path: "zeta"},
		{Path: "Trash", Type: FolderTypeTrash, WellKnown: true},
		{Path: "Alpha"},
		{Path: OutboxPath, Type: FolderTypeOutbox, WellKnown: true},
		{Path: "INBOX", Type: FolderTypeInbox, WellKnown: true},
		{Path: "beta"},
		{Path: "Sent", Type: FolderTypeSent, WellKnown: true},
	}

	sort.SliceStable(folders, func(i, j int) bool { return LessFolder(folders[i], folders[j]) })

	paths := xslices.Map(folders, func(f *Folder) string { return f.Path })
	require.Equal(t, []string{"INBOX", "Sent", OutboxPath, "Trash", "Alpha", "beta", "zeta"}, paths)
}

func TestRecordRoundTrip(t *testing.T) {
	f := &Folder{
		Name:      "Inbox",
		Path:      "INBOX",
		Type:      FolderTypeInbox,
		WellKnown: true,
		ModSeq:    42,
		UIDs:      []uint32{1, 2},
		Messages:  []*Message{{UID: 1}, {UID: 2}},
	}

	got := FolderFromRecord(f.Record())

	assert.Equal(t, f.Record(), got.Record())
	assert.Nil(t, got.Messages)
}

func TestApplyFlags(t *testing.T) {
	m := &Message{UID: 1}

	m.ApplyFlags([]string{`\Seen`, `\Answered`})
	assert.False(t, m.Unread)
	assert.True(t, m.Answered)
	assert.False(t, m.Flagged)

	m.ApplyFlags([]string{`\Flagged`})
	assert.True(t, m.Unread)
	assert.False(t, m.Answered)
	assert.True(t, m.Flagged)
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "17", (&Message{UID: 17}).Key())
	assert.Equal(t, "abc", (&Message{ID: "abc"}).Key())
}

func TestMailAsMessage(t *testing.T) {
	m := &Mail{
		ID:          "id-1",
		From:        Address{Address: "a@example.com"},
		To:          []Address{{Address: "b@example.com"}},
		Subject:     "hi",
		Body:        "body",
		Attachments: []Attachment{{Filename: "x.txt", Content: []byte("xyz")}},
	}

	msg := m.AsMessage()

	assert.Equal(t, "id-1", msg.Key())
	assert.Equal(t, "body", msg.Body)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, uint32(3), msg.Attachments[0].Size)
	assert.Len(t, m.Recipients(), 1)
}

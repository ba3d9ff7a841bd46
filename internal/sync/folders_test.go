package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

func paths(folders []*model.Folder) []string {
	out := make([]string, len(folders))
	for i, f := range folders {
		out[i] = f.Path
	}
	return out
}

func TestReconcileFoldersOrdering(t *testing.T) {
	acc := &model.Account{}

	infos := flattenFolders(map[model.FolderType][]remote.FolderInfo{
		model.FolderTypeOther: {
			{Name: "zeta", Path: "zeta", Type: model.FolderTypeOther},
			{Name: "Alpha", Path: "Alpha", Type: model.FolderTypeOther},
			{Name: "beta", Path: "beta", Type: model.FolderTypeOther},
		},
		model.FolderTypeTrash:   {{Name: "Trash", Path: "Trash", Type: model.FolderTypeTrash}},
		model.FolderTypeFlagged: {{Name: "Starred", Path: "Starred", Type: model.FolderTypeFlagged}},
		model.FolderTypeInbox:   {{Name: "Inbox", Path: "INBOX", Type: model.FolderTypeInbox}},
		model.FolderTypeDrafts:  {{Name: "Drafts", Path: "Drafts", Type: model.FolderTypeDrafts}},
		model.FolderTypeSent: {
			{Name: "Sent", Path: "Sent", Type: model.FolderTypeSent},
			{Name: "Sent Items", Path: "Sent Items", Type: model.FolderTypeSent},
		},
	})

	changed := reconcileFolders(acc, infos)
	require.True(t, changed)

	assert.Equal(t, []string{
		"INBOX", "Sent", model.OutboxPath, "Drafts", "Trash", "Starred",
		"Alpha", "beta", "Sent Items", "zeta",
	}, paths(acc.Folders))

	wellKnown := 0
	for _, f := range acc.Folders {
		if f.WellKnown {
			wellKnown++
		}
	}
	assert.Equal(t, 6, wellKnown)
	assert.False(t, acc.FolderByPath("Sent Items").WellKnown)
}

func TestReconcileFoldersRemovesAndKeeps(t *testing.T) {
	inbox := &model.Folder{Name: "Inbox", Path: "INBOX", Type: model.FolderTypeInbox, WellKnown: true, UIDs: []uint32{1, 2}}
	outbox := &model.Folder{Name: model.OutboxName, Path: model.OutboxPath, Type: model.FolderTypeOutbox, WellKnown: true}
	gone := &model.Folder{Name: "Old", Path: "Old", Type: model.FolderTypeOther}
	acc := &model.Account{Folders: []*model.Folder{gone, outbox, inbox}}

	infos := flattenFolders(map[model.FolderType][]remote.FolderInfo{
		model.FolderTypeInbox: {{Name: "Inbox", Path: "INBOX", Type: model.FolderTypeInbox}},
	})

	assert.True(t, reconcileFolders(acc, infos))
	assert.Equal(t, []string{"INBOX", model.OutboxPath}, paths(acc.Folders))
	assert.Same(t, inbox, acc.Folders[0])
	assert.Equal(t, []uint32{1, 2}, inbox.UIDs)

	assert.False(t, reconcileFolders(acc, infos))
}

func TestFolderListRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := store.NewSQLiteStore(dir)
	require.NoError(t, s.Init(ctx, "me@example.com"))
	defer s.Close()

	records := []model.FolderRecord{
		{Name: "Inbox", Path: "INBOX", Type: model.FolderTypeInbox, ModSeq: 17, WellKnown: true, UIDs: []uint32{1, 5, 9}},
		{Name: "Archive", Path: "Archive", Type: model.FolderTypeOther, UIDs: []uint32{}},
	}
	require.NoError(t, s.Store(ctx, store.FoldersKey, records))

	o, err := New(model.SyncConfig{}, Deps{Store: s})
	require.NoError(t, err)
	require.NoError(t, o.Init(ctx, model.AccountConfig{EmailAddress: "me@example.com"}))
	defer o.Close(ctx)

	inbox := o.Folder("INBOX")
	require.NotNil(t, inbox)
	assert.Equal(t, []uint32{1, 5, 9}, uidsOf(inbox.Messages))

	require.NoError(t, o.persistFolders(ctx))

	raws, err := s.ListItems(ctx, true, store.FoldersKey)
	require.NoError(t, err)
	reloaded, err := store.Decode[[]model.FolderRecord](raws)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)

	assert.Equal(t, records, reloaded[0])
}

package sync

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// updateFolders merges the server's folder list into the account and
// persists it when folders were added, removed or newly flagged well
// known.
func (o *Orchestrator) updateFolders(ctx context.Context, client remote.Client) error {
	o.busy()
	defer o.done()

	wellKnown, err := client.ListWellKnownFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}

	infos := flattenFolders(wellKnown)

	o.mu.Lock()
	if o.account == nil {
		o.mu.Unlock()
		return nil
	}
	changed := reconcileFolders(o.account, infos)
	count := len(o.account.Folders)
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"folders": count,
		"changed": changed,
	}).Debug("Folders updated")

	if !changed {
		return nil
	}
	return o.persistFolders(ctx)
}

// flattenFolders lists the server folders plus the virtual outbox in a
// stable order.
func flattenFolders(wellKnown map[model.FolderType][]remote.FolderInfo) []remote.FolderInfo {
	types := make([]model.FolderType, 0, len(wellKnown))
	for t := range wellKnown {
		if t != model.FolderTypeOutbox {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool {
		ri, rj := model.WellKnownRank(types[i]), model.WellKnownRank(types[j])
		if ri != rj {
			return ri < rj
		}
		return types[i] < types[j]
	})

	var infos []remote.FolderInfo
	for _, t := range types {
		infos = append(infos, wellKnown[t]...)
	}

	return append(infos, remote.FolderInfo{
		Name: model.OutboxName,
		Path: model.OutboxPath,
		Type: model.FolderTypeOutbox,
	})
}

// reconcileFolders makes acc.Folders match infos: folders missing on the
// server are removed, new ones appended, one folder per well-known type
// is flagged and the list is sorted. It reports whether anything that is
// persisted changed.
func reconcileFolders(acc *model.Account, infos []remote.FolderInfo) bool {
	changed := false

	remotePaths := make(map[string]bool, len(infos))
	for _, info := range infos {
		remotePaths[info.Path] = true
	}

	kept := acc.Folders[:0]
	localPaths := make(map[string]bool, len(acc.Folders))
	for _, f := range acc.Folders {
		if !remotePaths[f.Path] {
			changed = true
			continue
		}
		kept = append(kept, f)
		localPaths[f.Path] = true
	}
	acc.Folders = kept

	for _, info := range infos {
		if localPaths[info.Path] {
			continue
		}
		localPaths[info.Path] = true

		f := &model.Folder{Name: info.Name, Path: info.Path, Type: info.Type}
		f.Normalize()
		acc.Folders = append(acc.Folders, f)
		changed = true
	}

	for _, t := range model.WellKnownOrder {
		if slices.ContainsFunc(acc.Folders, func(f *model.Folder) bool {
			return f.Type == t && f.WellKnown
		}) {
			continue
		}
		if f := acc.FolderByType(t); f != nil {
			f.WellKnown = true
			changed = true
		}
	}

	slices.SortStableFunc(acc.Folders, func(a, b *model.Folder) int {
		switch {
		case model.LessFolder(a, b):
			return -1
		case model.LessFolder(b, a):
			return 1
		default:
			return 0
		}
	})

	return changed
}

package sync

import (
	"cmp"
	"context"
	"slices"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// handleSync applies a server change notification. Events for unknown
// folders are ignored.
func (o *Orchestrator) handleSync(ctx context.Context, ev remote.SyncEvent) {
	log := logrus.WithFields(logrus.Fields{"type": ev.Type, "path": ev.Path})

	folder := o.Folder(ev.Path)
	if folder == nil {
		log.Debug("Ignoring update for unknown folder")
		return
	}

	switch ev.Type {
	case remote.SyncNew:
		o.onNew(ctx, folder, ev.UIDs)
	case remote.SyncDeleted:
		o.onDeleted(ctx, folder, ev.UIDs)
	case remote.SyncMessages:
		o.onFlags(ctx, folder, ev.Messages)
	default:
		log.Warn("Unknown sync update")
	}
}

// onNew adds placeholders for uids and prefetches the newest bodies.
// Nothing is prefetched for a folder that was empty before.
func (o *Orchestrator) onNew(ctx context.Context, folder *model.Folder, uids []uint32) {
	o.mu.Lock()
	maxUID := folder.MaxUID()

	fresh := xslices.Filter(uids, func(uid uint32) bool {
		return !folder.HasUID(uid)
	})
	slices.Sort(fresh)
	fresh = slices.Compact(fresh)

	folder.AddUIDs(fresh...)
	for _, uid := range fresh {
		folder.Messages = append(folder.Messages, &model.Message{UID: uid})
	}
	folder.UpdateCount()

	var prefetch []*model.Message
	if maxUID > 0 {
		prefetch = xslices.Filter(folder.Messages, func(m *model.Message) bool {
			return m.UID > maxUID
		})
		slices.SortFunc(prefetch, func(a, b *model.Message) int {
			return cmp.Compare(a.UID, b.UID)
		})
		if len(prefetch) > prefetchCount {
			prefetch = prefetch[len(prefetch)-prefetchCount:]
		}
	}
	notify := folder.Type == model.FolderTypeInbox
	o.mu.Unlock()

	if len(fresh) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{"path": folder.Path, "count": len(fresh)}).Info("New messages")

	if err := o.persistFolders(ctx); err != nil {
		logrus.WithError(err).Error("Failed to persist folders")
	}

	if len(prefetch) == 0 {
		return
	}

	loaded, err := o.GetBody(ctx, folder, prefetch)
	if err != nil {
		logrus.WithError(err).WithField("path", folder.Path).Error("Failed to prefetch new messages")
		return
	}

	if notify && len(loaded) > 0 {
		o.incoming.Publish(IncomingEvent{Folder: folder, Messages: loaded})
	}
}

// onDeleted drops uids from the folder and removes their messages
// locally.
func (o *Orchestrator) onDeleted(ctx context.Context, folder *model.Folder, uids []uint32) {
	o.mu.Lock()
	folder.RemoveUIDs(uids...)
	var gone []*model.Message
	for _, uid := range uids {
		if msg := folder.FindUID(uid); msg != nil {
			gone = append(gone, msg)
		}
	}
	o.mu.Unlock()

	if err := o.persistFolders(ctx); err != nil {
		logrus.WithError(err).Error("Failed to persist folders")
	}

	for _, msg := range gone {
		if err := o.DeleteMessage(ctx, folder, msg, true); err != nil {
			logrus.WithError(err).WithField("uid", msg.UID).Error("Failed to delete message locally")
		}
	}
}

// onFlags applies server flag changes to loaded messages and advances the
// folder's modseq.
func (o *Orchestrator) onFlags(ctx context.Context, folder *model.Folder, changes []remote.MessageFlags) {
	for _, change := range changes {
		if change.UID == 0 || change.Flags == nil {
			continue
		}

		o.mu.Lock()
		msg := folder.FindUID(change.UID)
		if msg == nil || len(msg.BodyParts) == 0 {
			o.mu.Unlock()
			continue
		}
		msg.ApplyFlags(change.Flags)
		if change.ModSeq > 0 {
			msg.ModSeq = change.ModSeq
		}
		o.mu.Unlock()

		if err := o.SetFlags(ctx, folder, msg, true); err != nil {
			logrus.WithError(err).WithField("uid", change.UID).Error("Failed to store flag change")
			continue
		}

		o.mu.Lock()
		advanced := change.ModSeq > folder.ModSeq
		if advanced {
			folder.ModSeq = change.ModSeq
		}
		o.mu.Unlock()

		if advanced {
			if err := o.persistFolders(ctx); err != nil {
				logrus.WithError(err).Error("Failed to persist folders")
			}
		}
	}
}

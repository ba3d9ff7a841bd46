package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// removal records where a message was taken out of a folder so the
// removal can be undone.
type removal struct {
	folder *model.Folder
	msg    *model.Message
	index  int
	hadUID bool
}

func (o *Orchestrator) removeLocked(folder *model.Folder, msg *model.Message) (removal, bool) {
	idx := folder.IndexOf(msg)
	if idx < 0 {
		return removal{}, false
	}

	r := removal{folder: folder, msg: msg, index: idx}
	folder.Messages = slices.Delete(folder.Messages, idx, idx+1)
	if msg.UID != 0 && folder.HasUID(msg.UID) {
		folder.RemoveUIDs(msg.UID)
		r.hadUID = true
	}
	return r, true
}

func (o *Orchestrator) restoreLocked(r removal) {
	idx := min(r.index, len(r.folder.Messages))
	r.folder.Messages = slices.Insert(r.folder.Messages, idx, r.msg)
	if r.hadUID {
		r.folder.AddUIDs(r.msg.UID)
	}
	r.folder.UpdateCount()
}

func (o *Orchestrator) updateCount(folder *model.Folder) {
	o.mu.Lock()
	defer o.mu.Unlock()

	folder.UpdateCount()
}

// DeleteMessage removes msg from folder, from the server and from the
// local store. Outside the trash the server copy is moved to the trash
// folder when one exists. With localOnly, or for the outbox, the server
// is not contacted. A server failure puts the message back.
func (o *Orchestrator) DeleteMessage(ctx context.Context, folder *model.Folder, msg *model.Message, localOnly bool) error {
	remoteOp := !localOnly && !folder.IsOutbox()

	var client remote.Client
	if remoteOp {
		var err error
		if client, err = o.onlineClient(); err != nil {
			return err
		}
	}

	o.busy()
	defer o.done()

	o.mu.Lock()
	r, ok := o.removeLocked(folder, msg)
	var trash *model.Folder
	if o.account != nil {
		trash = o.account.FolderByType(model.FolderTypeTrash)
	}
	o.mu.Unlock()

	if !ok {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{"path": folder.Path, "key": msg.Key()})

	if remoteOp {
		var err error
		if trash == nil || trash == folder {
			err = client.DeleteMessage(ctx, folder.Path, msg.UID)
		} else {
			err = client.MoveMessage(ctx, folder.Path, trash.Path, msg.UID)
		}
		if err != nil {
			o.mu.Lock()
			o.restoreLocked(r)
			o.mu.Unlock()
			return fmt.Errorf("deleting message %s from %s: %w", msg.Key(), folder.Path, err)
		}
	}

	defer o.updateCount(folder)

	if err := o.removeStored(ctx, folder.Path, msg.Key()); err != nil {
		if remoteOp {
			o.addRepair(folder.Path, msg.Key(), repair{kind: repairRemove})
		}
		return err
	}

	if r.hadUID {
		if err := o.persistFolders(ctx); err != nil {
			log.WithError(err).Error("Failed to persist folders")
		}
	}

	log.Debug("Message deleted")

	return nil
}

// MoveMessage moves msg from folder to destination on the server and
// drops the local copy. The destination picks the message up on its next
// sync. A server failure puts the message back.
func (o *Orchestrator) MoveMessage(ctx context.Context, folder, destination *model.Folder, msg *model.Message) error {
	client, err := o.onlineClient()
	if err != nil {
		return err
	}

	o.busy()
	defer o.done()

	o.mu.Lock()
	r, ok := o.removeLocked(folder, msg)
	o.mu.Unlock()

	if !ok {
		return nil
	}

	if err := client.MoveMessage(ctx, folder.Path, destination.Path, msg.UID); err != nil {
		o.mu.Lock()
		o.restoreLocked(r)
		o.mu.Unlock()
		return fmt.Errorf("moving message %s to %s: %w", msg.Key(), destination.Path, err)
	}

	defer o.updateCount(folder)

	if err := o.removeStored(ctx, folder.Path, msg.Key()); err != nil {
		o.addRepair(folder.Path, msg.Key(), repair{kind: repairRemove})
		return err
	}

	if r.hadUID {
		if err := o.persistFolders(ctx); err != nil {
			logrus.WithError(err).Error("Failed to persist folders")
		}
	}

	return nil
}

// SetFlags writes msg's current flags to the server and the local store.
// It is a no-op once msg is no longer part of folder. With localOnly, or
// for the outbox, the server is not contacted.
func (o *Orchestrator) SetFlags(ctx context.Context, folder *model.Folder, msg *model.Message, localOnly bool) error {
	o.mu.Lock()
	present := folder.IndexOf(msg) >= 0
	flags := remote.Flags{Unread: msg.Unread, Answered: msg.Answered, Flagged: msg.Flagged}
	modseq := msg.ModSeq
	o.mu.Unlock()

	if !present {
		return nil
	}

	remoteOp := !localOnly && !folder.IsOutbox()

	var client remote.Client
	if remoteOp {
		var err error
		if client, err = o.onlineClient(); err != nil {
			return err
		}
	}

	o.busy()
	defer o.done()
	defer o.updateCount(folder)

	if remoteOp {
		if err := client.UpdateFlags(ctx, folder.Path, msg.UID, flags); err != nil {
			return fmt.Errorf("updating flags of %s in %s: %w", msg.Key(), folder.Path, err)
		}
	}

	if err := o.storeFlags(ctx, folder.Path, msg.Key(), flags, modseq); err != nil {
		if remoteOp {
			o.addRepair(folder.Path, msg.Key(), repair{kind: repairFlags, flags: flags, modseq: modseq})
		}
		return err
	}

	return nil
}

// storeFlags rewrites the flags of a stored message, keeping every other
// stored field. A message that is not stored is left alone.
func (o *Orchestrator) storeFlags(ctx context.Context, path, key string, flags remote.Flags, modseq uint64) error {
	storeKey := store.MessageKey(path, key)

	raws, err := o.store.ListItems(ctx, true, storeKey)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", storeKey, err)
	}
	if len(raws) == 0 {
		return nil
	}

	var record map[string]json.RawMessage
	if err := json.Unmarshal(raws[0], &record); err != nil {
		return fmt.Errorf("decoding message %s: %w", storeKey, err)
	}

	set := func(field string, v any) {
		b, _ := json.Marshal(v)
		record[field] = b
	}
	set("unread", flags.Unread)
	set("answered", flags.Answered)
	set("flagged", flags.Flagged)
	if modseq > 0 {
		set("modseq", modseq)
	}

	if err := o.store.Store(ctx, storeKey, record); err != nil {
		return fmt.Errorf("storing message %s: %w", storeKey, err)
	}
	return nil
}

func (o *Orchestrator) removeStored(ctx context.Context, path, key string) error {
	storeKey := store.MessageKey(path, key)
	if err := o.store.RemoveList(ctx, storeKey); err != nil {
		return fmt.Errorf("removing message %s: %w", storeKey, err)
	}
	return nil
}

package model

import (
	"slices"
	"strings"
)

// FolderType is the semantic role of a mailbox.
type FolderType string

const (
	FolderTypeInbox   FolderType = "Inbox"
	FolderTypeSent    FolderType = "Sent"
	FolderTypeDrafts  FolderType = "Drafts"
	FolderTypeTrash   FolderType = "Trash"
	FolderTypeFlagged FolderType = "Flagged"
	FolderTypeOutbox  FolderType = "Outbox"
	FolderTypeOther   FolderType = "Other"
)

// The outbox is a virtual folder that only exists in the local store.
const (
	OutboxPath = "OUTBOX"
	OutboxName = "Outbox"
)

// WellKnownOrder is the display priority of well-known folders.
var WellKnownOrder = []FolderType{
	FolderTypeInbox,
	FolderTypeSent,
	FolderTypeOutbox,
	FolderTypeDrafts,
	FolderTypeTrash,
	FolderTypeFlagged,
}

// WellKnownRank returns the position of t in WellKnownOrder, or
// len(WellKnownOrder) for types without a fixed position.
func WellKnownRank(t FolderType) int {
	if i := slices.Index(WellKnownOrder, t); i >= 0 {
		return i
	}
	return len(WellKnownOrder)
}

// Folder is the in-memory view of a mailbox. UIDs and Messages are kept in
// 1:1 correspondence for IMAP folders.
type Folder struct {
	Name      string
	Path      string
	Type      FolderType
	WellKnown bool
	ModSeq    uint64

	// UIDs is the sorted set of message UIDs known to exist.
	UIDs []uint32

	// Count is the unread count, or the total count for the outbox.
	Count int

	// Messages holds one entry per known message, possibly a placeholder
	// carrying only a UID.
	Messages []*Message
}

// FolderRecord is the persisted form of a Folder. Message content is never
// part of it.
type FolderRecord struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Type      FolderType `json:"type"`
	ModSeq    uint64     `json:"modseq"`
	WellKnown bool       `json:"wellknown"`
	UIDs      []uint32   `json:"uids"`
}

// Record returns the persisted form of f.
func (f *Folder) Record() FolderRecord {
	uids := make([]uint32, len(f.UIDs))
	copy(uids, f.UIDs)

	return FolderRecord{
		Name:      f.Name,
		Path:      f.Path,
		Type:      f.Type,
		ModSeq:    f.ModSeq,
		WellKnown: f.WellKnown,
		UIDs:      uids,
	}
}

// FolderFromRecord builds a Folder from its persisted form. Messages are
// left nil; the caller normalizes the folder.
func FolderFromRecord(r FolderRecord) *Folder {
	uids := make([]uint32, len(r.UIDs))
	copy(uids, r.UIDs)

	return &Folder{
		Name:      r.Name,
		Path:      r.Path,
		Type:      r.Type,
		ModSeq:    r.ModSeq,
		WellKnown: r.WellKnown,
		UIDs:      uids,
	}
}

// IsOutbox reports whether f is the virtual outbox.
func (f *Folder) IsOutbox() bool {
	return f.Path == OutboxPath
}

// Normalize sorts the UID set and synthesizes placeholder messages for
// UIDs lacking one.
func (f *Folder) Normalize() {
	slices.Sort(f.UIDs)
	f.UIDs = slices.Compact(f.UIDs)

	if f.IsOutbox() {
		return
	}

	known := make(map[uint32]bool, len(f.Messages))
	for _, msg := range f.Messages {
		known[msg.UID] = true
	}
	for _, uid := range f.UIDs {
		if !known[uid] {
			f.Messages = append(f.Messages, &Message{UID: uid})
		}
	}
}

// MaxUID returns the highest known UID, or 0 for an empty folder.
func (f *Folder) MaxUID() uint32 {
	var max uint32
	for _, uid := range f.UIDs {
		if uid > max {
			max = uid
		}
	}
	return max
}

// HasUID reports whether uid is part of the folder's UID set.
func (f *Folder) HasUID(uid uint32) bool {
	_, found := slices.BinarySearch(f.UIDs, uid)
	return found
}

// AddUIDs merges uids into the sorted UID set.
func (f *Folder) AddUIDs(uids ...uint32) {
	f.UIDs = append(f.UIDs, uids...)
	slices.Sort(f.UIDs)
	f.UIDs = slices.Compact(f.UIDs)
}

// RemoveUIDs drops uids from the UID set.
func (f *Folder) RemoveUIDs(uids ...uint32) {
	drop := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		drop[uid] = true
	}
	f.UIDs = slices.DeleteFunc(f.UIDs, func(uid uint32) bool {
		return drop[uid]
	})
}

// IndexOf returns the position of msg in Messages, or -1.
func (f *Folder) IndexOf(msg *Message) int {
	return slices.Index(f.Messages, msg)
}

// FindMessage returns the message with the given key, or nil.
func (f *Folder) FindMessage(key string) *Message {
	for _, msg := range f.Messages {
		if msg.Key() == key {
			return msg
		}
	}
	return nil
}

// FindUID returns the message with the given UID, or nil.
func (f *Folder) FindUID(uid uint32) *Message {
	for _, msg := range f.Messages {
		if msg.UID == uid {
			return msg
		}
	}
	return nil
}

// UpdateCount recomputes Count. The outbox counts every message since all
// of them are pending.
func (f *Folder) UpdateCount() {
	if f.IsOutbox() {
		f.Count = len(f.Messages)
		return
	}

	count := 0
	for _, msg := range f.Messages {
		if msg.Unread {
			count++
		}
	}
	f.Count = count
}

// LessFolder orders well-known folders first, in WellKnownOrder, followed
// by the remaining folders case-insensitively by path.
func LessFolder(a, b *Folder) bool {
	switch {
	case a.WellKnown && b.WellKnown:
		return WellKnownRank(a.Type) < WellKnownRank(b.Type)
	case a.WellKnown != b.WellKnown:
		return a.WellKnown
	default:
		return strings.ToLower(a.Path) < strings.ToLower(b.Path)
	}
}

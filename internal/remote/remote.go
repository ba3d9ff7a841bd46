// Package remote defines the contract the sync orchestrator uses to talk to
// a mail server, and the events a server connection publishes.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// ErrCertificateChanged is returned by a dial whose server certificate
// differs from the pinned one. A CertEvent carrying the new certificate
// is published first.
var ErrCertificateChanged = errors.New("server certificate changed")

// ErrMessageNotFound is returned when a fetch yields no data for a UID.
var ErrMessageNotFound = errors.New("message not found")

// ProtocolError wraps a failure reported by the server or the transport.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FolderInfo describes a mailbox as listed by the server.
type FolderInfo struct {
	Name string
	Path string
	Type model.FolderType
}

// MailboxCache is what the client already knows about a mailbox. It is
// used to compute new, deleted and changed messages.
type MailboxCache struct {
	Exists        uint32
	UIDNext       uint32
	UIDList       []uint32
	HighestModSeq uint64
}

// NewMailboxCache seeds a cache entry from a folder's known UIDs.
func NewMailboxCache(uids []uint32, modseq uint64) MailboxCache {
	var maxUID uint32
	for _, uid := range uids {
		if uid > maxUID {
			maxUID = uid
		}
	}

	list := make([]uint32, len(uids))
	copy(list, uids)

	return MailboxCache{
		Exists:        maxUID,
		UIDNext:       maxUID + 1,
		UIDList:       list,
		HighestModSeq: modseq,
	}
}

// Flags is the full flag state written by UpdateFlags.
type Flags struct {
	Unread   bool
	Answered bool
	Flagged  bool
}

// Client is a connection to a remote mailbox store.
type Client interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error

	// SelectMailbox opens path on the work connection and reports changes
	// against the mailbox cache as sync events.
	SelectMailbox(ctx context.Context, path string) error

	ListWellKnownFolders(ctx context.Context) (map[model.FolderType][]FolderInfo, error)

	// ListMessages returns envelope, flags and body structure for uids.
	// Body parts are returned without content.
	ListMessages(ctx context.Context, path string, uids []uint32) ([]*model.Message, error)

	// GetBodyParts fills Raw for each of parts.
	GetBodyParts(ctx context.Context, path string, uid uint32, parts []model.BodyPart) ([]model.BodyPart, error)

	UpdateFlags(ctx context.Context, path string, uid uint32, flags Flags) error
	MoveMessage(ctx context.Context, path, destination string, uid uint32) error
	DeleteMessage(ctx context.Context, path string, uid uint32) error
	UploadMessage(ctx context.Context, path string, raw []byte) error

	// ListenForChanges watches path and publishes sync events until
	// StopListeningForChanges.
	ListenForChanges(ctx context.Context, path string) error
	StopListeningForChanges(ctx context.Context) error

	SetMailboxCache(cache map[string]MailboxCache)

	// Subscribe registers h for connection events. The returned function
	// removes the registration.
	Subscribe(h func(Event)) (unsubscribe func())
}

// Dialer creates a client for the given credentials.
type Dialer func(creds model.ServerCredentials) (Client, error)

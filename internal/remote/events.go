package remote

// Event is published by a Client. It is one of ErrorEvent, CertEvent or
// SyncEvent.
type Event interface {
	isEvent()
}

// ErrorEvent reports a broken connection.
type ErrorEvent struct {
	Err error
}

// CertEvent reports a server certificate that differs from the pinned one.
type CertEvent struct {
	// Component is "imap" or "smtp".
	Component string
	Host      string
	PEM       string
}

// SyncEventType is the kind of change a SyncEvent reports.
type SyncEventType string

const (
	SyncNew      SyncEventType = "new"
	SyncDeleted  SyncEventType = "deleted"
	SyncMessages SyncEventType = "messages"
)

// MessageFlags is the flag state of one message as reported by the server.
type MessageFlags struct {
	UID    uint32
	Flags  []string
	ModSeq uint64
}

// SyncEvent reports server-side changes to one mailbox. UIDs is set for
// new and deleted events, Messages for flag changes.
type SyncEvent struct {
	Type     SyncEventType
	Path     string
	UIDs     []uint32
	Messages []MessageFlags
}

func (ErrorEvent) isEvent() {}
func (CertEvent) isEvent()  {}
func (SyncEvent) isEvent()  {}

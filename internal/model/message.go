package model

import (
	"strconv"
	"strings"
	"time"
)

// PartType classifies a leaf MIME part.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeHTML       PartType = "html"
	PartTypeAttachment PartType = "attachment"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String formats the address the way it appears in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// BodyPart is one leaf of a message's MIME structure.
type BodyPart struct {
	Type       PartType `json:"type"`
	PartNumber string   `json:"partNumber,omitempty"`

	// ContentID is set for parts referenced from HTML via cid: URLs.
	ContentID string `json:"id,omitempty"`

	Filename string `json:"filename,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Size     uint32 `json:"size,omitempty"`

	// Raw is the undecoded section including its MIME header, as fetched.
	Raw []byte `json:"raw,omitempty"`

	// Content is the decoded payload.
	Content []byte `json:"content,omitempty"`
}

// Fetched reports whether the part carries data.
func (p BodyPart) Fetched() bool {
	return len(p.Raw) > 0 || len(p.Content) > 0
}

// Message is a single mail. IMAP messages are keyed by UID, outbox items
// by their client-generated ID.
type Message struct {
	UID uint32 `json:"uid,omitempty"`
	ID  string `json:"id,omitempty"`

	ModSeq   uint64 `json:"modseq,omitempty"`
	Unread   bool   `json:"unread"`
	Answered bool   `json:"answered"`
	Flagged  bool   `json:"flagged"`

	Subject  string    `json:"subject,omitempty"`
	From     []Address `json:"from,omitempty"`
	To       []Address `json:"to,omitempty"`
	Cc       []Address `json:"cc,omitempty"`
	Bcc      []Address `json:"bcc,omitempty"`
	SentDate time.Time `json:"sentDate,omitempty"`

	BodyParts []BodyPart `json:"bodyParts,omitempty"`

	// Body, HTML and Attachments are derived from BodyParts and never
	// persisted. HasBody distinguishes an empty body from an unloaded one.
	Body        string     `json:"-"`
	HTML        string     `json:"-"`
	Attachments []BodyPart `json:"-"`
	HasBody     bool       `json:"-"`
}

// Key returns the identifier used in local store keys.
func (m *Message) Key() string {
	if m.UID != 0 {
		return strconv.FormatUint(uint64(m.UID), 10)
	}
	return m.ID
}

// IsPlaceholder reports whether only the identifier is known.
func (m *Message) IsPlaceholder() bool {
	return len(m.BodyParts) == 0 && m.Subject == "" && len(m.From) == 0
}

// Merge copies the stored or fetched content of other into m, keeping m's
// identity. UI code holds m, so it is updated in place.
func (m *Message) Merge(other *Message) {
	if other == nil {
		return
	}
	m.ModSeq = other.ModSeq
	m.Unread = other.Unread
	m.Answered = other.Answered
	m.Flagged = other.Flagged
	m.Subject = other.Subject
	m.From = other.From
	m.To = other.To
	m.Cc = other.Cc
	m.Bcc = other.Bcc
	m.SentDate = other.SentDate
	m.BodyParts = other.BodyParts
}

// ApplyFlags sets Unread, Answered and Flagged from IMAP system flags.
func (m *Message) ApplyFlags(flags []string) {
	m.Unread = true
	m.Answered = false
	m.Flagged = false
	for _, flag := range flags {
		switch strings.ToLower(flag) {
		case `\seen`:
			m.Unread = false
		case `\answered`:
			m.Answered = true
		case `\flagged`:
			m.Flagged = true
		}
	}
}

// PartsOfType returns the body parts of the given type, in order.
func (m *Message) PartsOfType(t PartType) []BodyPart {
	var parts []BodyPart
	for _, p := range m.BodyParts {
		if p.Type == t {
			parts = append(parts, p)
		}
	}
	return parts
}

// MessageState is UI-transient state for a message, joined to it by
// folder path and message key.
type MessageState struct {
	LoadingBody bool
	Busy        bool
}

package model

// Attachment is a file attached to an outgoing mail.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType,omitempty"`
	Content  []byte `json:"content"`
}

// Mail is an outgoing message as queued in the outbox.
type Mail struct {
	ID          string            `json:"id"`
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	Cc          []Address         `json:"cc"`
	Bcc         []Address         `json:"bcc"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Recipients returns every To, Cc and Bcc address.
func (m *Mail) Recipients() []Address {
	all := make([]Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return all
}

// AsMessage returns the in-memory outbox representation of m.
func (m *Mail) AsMessage() *Message {
	msg := &Message{
		ID:      m.ID,
		Subject: m.Subject,
		From:    []Address{m.From},
		To:      m.To,
		Cc:      m.Cc,
		Bcc:     m.Bcc,
		Body:    m.Body,
		HasBody: true,
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, BodyPart{
			Type:     PartTypeAttachment,
			Filename: a.Filename,
			MIMEType: a.MIMEType,
			Size:     uint32(len(a.Content)),
			Content:  a.Content,
		})
	}
	return msg
}

// Package smtp builds outgoing messages and transmits them over SMTP.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// DefaultSubject is used for mail sent without a subject.
const DefaultSubject = "(no subject)"

// CertHandler is asked to accept a changed server certificate. Returning
// nil pins pem and retries the send.
type CertHandler func(ctx context.Context, pem string) error

// Mailer sends mail through one SMTP server.
type Mailer struct {
	mu    sync.Mutex
	creds model.ServerCredentials

	onCert CertHandler
}

// NewMailer returns a Mailer for creds. onCert may be nil, in which case
// a changed certificate fails the send.
func NewMailer(creds model.ServerCredentials, onCert CertHandler) *Mailer {
	return &Mailer{creds: creds, onCert: onCert}
}

// Send builds out, transmits it and returns the RFC 5322 text that was
// sent.
func (m *Mailer) Send(ctx context.Context, out *model.Mail) (string, error) {
	msg, err := Build(out)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("rendering message: %w", err)
	}

	pem, err := m.transmit(ctx, msg)
	if errors.Is(err, remote.ErrCertificateChanged) && m.onCert != nil {
		if herr := m.onCert(ctx, pem); herr != nil {
			return "", fmt.Errorf("accepting new smtp certificate: %w", herr)
		}

		m.mu.Lock()
		m.creds.PinnedCertificate = pem
		m.mu.Unlock()

		_, err = m.transmit(ctx, msg)
	}
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"id":         out.ID,
		"recipients": len(out.Recipients()),
	}).Info("Mail sent")

	return buf.String(), nil
}

// transmit sends msg. On a certificate mismatch it returns the offered
// certificate along with remote.ErrCertificateChanged.
func (m *Mailer) transmit(ctx context.Context, msg *mail.Msg) (string, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	var (
		changed atomic.Bool
		offered atomic.Value
	)

	tlsCfg := &tls.Config{ServerName: creds.Host}
	if creds.PinnedCertificate != "" {
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server sent no certificate")
			}

			got := encodeCertificate(cs.PeerCertificates[0].Raw)
			if got == creds.PinnedCertificate {
				return nil
			}

			changed.Store(true)
			offered.Store(got)

			return remote.ErrCertificateChanged
		}
	}

	opts := []mail.Option{
		mail.WithPort(creds.Port),
		mail.WithTLSConfig(tlsCfg),
	}

	switch strings.ToLower(creds.Security) {
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithSSL())
	}

	if creds.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(creds.Username),
			mail.WithPassword(creds.Password),
		)
	}

	client, err := mail.NewClient(creds.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if changed.Load() {
			pem, _ := offered.Load().(string)
			return pem, remote.ErrCertificateChanged
		}
		return "", &remote.ProtocolError{Op: "sending mail via " + creds.Host, Err: err}
	}

	return "", nil
}

// Build converts mail into a go-mail message.
func Build(m *model.Mail) (*mail.Msg, error) {
	msg := mail.NewMsg()

	if err := msg.FromFormat(m.From.Name, m.From.Address); err != nil {
		return nil, fmt.Errorf("setting sender %s: %w", m.From.Address, err)
	}

	for _, rcpt := range []struct {
		add   func(name, addr string) error
		addrs []model.Address
	}{
		{msg.AddToFormat, m.To},
		{msg.AddCcFormat, m.Cc},
		{msg.AddBccFormat, m.Bcc},
	} {
		for _, a := range rcpt.addrs {
			if err := rcpt.add(a.Name, a.Address); err != nil {
				return nil, fmt.Errorf("adding recipient %s: %w", a.Address, err)
			}
		}
	}

	subject := m.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	msg.Subject(subject)

	msg.SetMessageID()
	msg.SetDate()

	for name, value := range m.Headers {
		msg.SetGenHeader(mail.Header(name), value)
	}

	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	for _, a := range m.Attachments {
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Content),
			mail.WithFileContentType(mail.TypeAppOctetStream),
		); err != nil {
			return nil, fmt.Errorf("attaching %s: %w", a.Filename, err)
		}
	}

	return msg, nil
}

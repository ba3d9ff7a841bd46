package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// SendPlaintext sends mail unencrypted.
func (o *Orchestrator) SendPlaintext(ctx context.Context, mail *model.Mail) error {
	return o.sendGeneric(ctx, mail)
}

// sendGeneric transmits mail and then copies it into the sent folder.
// The copy is best effort: once the mail is out, nothing is reported as
// failed.
func (o *Orchestrator) sendGeneric(ctx context.Context, mail *model.Mail) error {
	if _, err := o.onlineClient(); err != nil {
		return err
	}

	o.busy()
	defer o.done()

	creds, err := o.auth.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	rfcText, err := o.newMailer(creds.SMTP).Send(ctx, mail)
	if err != nil {
		return fmt.Errorf("sending mail %s: %w", mail.ID, err)
	}

	o.uploadToSent(ctx, creds.SMTP.Host, rfcText)

	return nil
}

func (o *Orchestrator) uploadToSent(ctx context.Context, smtpHost, rfcText string) {
	if rfcText == "" || o.ignoreUploadOnSentFor(smtpHost) {
		return
	}

	o.mu.Lock()
	var sent *model.Folder
	if o.account != nil {
		sent = o.account.FolderByType(model.FolderTypeSent)
	}
	o.mu.Unlock()

	if sent == nil {
		return
	}

	client, err := o.onlineClient()
	if err != nil {
		return
	}

	o.busy()
	defer o.done()

	if err := client.UploadMessage(ctx, sent.Path, []byte(rfcText)); err != nil {
		logrus.WithError(err).WithField("path", sent.Path).Warn("Failed to upload sent message")
	}
}

// ignoreUploadOnSentFor reports whether the provider behind host files
// sent mail on its own.
func (o *Orchestrator) ignoreUploadOnSentFor(host string) bool {
	for _, re := range o.ignoreUploadOnSent {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// RefreshOutbox makes the in-memory outbox match the queued mail in the
// local store.
func (o *Orchestrator) RefreshOutbox(ctx context.Context) error {
	outbox := o.Folder(model.OutboxPath)
	if outbox == nil {
		return nil
	}

	raws, err := o.store.ListItems(ctx, false, store.FolderPrefix(model.OutboxPath))
	if err != nil {
		return fmt.Errorf("listing outbox: %w", err)
	}
	mails, err := store.Decode[*model.Mail](raws)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	onDisk := make(map[string]bool, len(mails))
	for _, m := range mails {
		onDisk[m.ID] = true
	}

	inMemory := make(map[string]bool, len(outbox.Messages))
	kept := outbox.Messages[:0]
	for _, msg := range outbox.Messages {
		if !onDisk[msg.ID] {
			continue
		}
		kept = append(kept, msg)
		inMemory[msg.ID] = true
	}
	outbox.Messages = kept

	for _, m := range mails {
		if !inMemory[m.ID] {
			outbox.Messages = append(outbox.Messages, m.AsMessage())
		}
	}

	outbox.UpdateCount()

	return nil
}

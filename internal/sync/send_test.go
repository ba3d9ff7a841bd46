package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

func testMail(id string) *model.Mail {
	return &model.Mail{
		ID:      id,
		From:    model.Address{Address: "me@example.com"},
		To:      []model.Address{{Address: "you@example.com"}},
		Subject: "hello",
		Body:    "hi there",
	}
}

func TestSendPlaintextOffline(t *testing.T) {
	f := newFixture(t)

	err := f.o.SendPlaintext(context.Background(), testMail("1"))
	require.True(t, IsOffline(err))
	assert.Empty(t, f.mailer.sent)
}

func TestSendPlaintextUploadsToSent(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.o.SendPlaintext(context.Background(), testMail("1")))

	assert.Len(t, f.mailer.sent, 1)
	uploads := f.client.callsOf("upload")
	require.Len(t, uploads, 1)
	assert.Equal(t, "Sent", uploads[0].path)
	assert.Zero(t, f.o.Busy())
}

func TestSendPlaintextSkipsUploadForGmail(t *testing.T) {
	f := newFixture(t)
	f.auth.smtpHost = "smtp.gmail.com"
	f.connect(t)

	require.NoError(t, f.o.SendPlaintext(context.Background(), testMail("1")))

	assert.Len(t, f.mailer.sent, 1)
	assert.Empty(t, f.client.callsOf("upload"))
}

func TestSendPlaintextIgnoresUploadFailure(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.client.uploadErr = errBoom

	require.NoError(t, f.o.SendPlaintext(context.Background(), testMail("1")))
	assert.Len(t, f.client.callsOf("upload"), 1)
}

func TestSendPlaintextFailure(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.mailer.err = errBoom

	require.ErrorIs(t, f.o.SendPlaintext(context.Background(), testMail("1")), errBoom)
	assert.Empty(t, f.client.callsOf("upload"))
}

func TestRefreshOutbox(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()

	outbox := f.o.Folder(model.OutboxPath)
	stale := &model.Message{ID: "gone"}
	kept := &model.Message{ID: "a"}
	f.o.View(func(*model.Account) { outbox.Messages = []*model.Message{stale, kept} })

	require.NoError(t, f.store.StoreList(ctx, store.FolderKey(model.OutboxPath), []store.Item{
		{ID: "a", Value: testMail("a")},
		{ID: "b", Value: testMail("b")},
	}))

	require.NoError(t, f.o.RefreshOutbox(ctx))

	f.o.View(func(*model.Account) {
		require.Len(t, outbox.Messages, 2)
		assert.Same(t, kept, outbox.Messages[0])
		assert.Equal(t, "b", outbox.Messages[1].ID)
		assert.Equal(t, "hello", outbox.Messages[1].Subject)
		assert.Equal(t, 2, outbox.Count)
	})
}

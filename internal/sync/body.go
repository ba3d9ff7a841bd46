package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

var cidImage = regexp.MustCompile(`(?i)(<img[^>]+\bsrc=['"])cid:([^'">]+)(['"])`)

// GetBody loads the bodies of msgs, first from the local store and then
// from the server. Messages that already have a body or are being loaded
// are skipped. Messages whose server fetch fails are left out of the
// result.
func (o *Orchestrator) GetBody(ctx context.Context, folder *model.Folder, msgs []*model.Message) ([]*model.Message, error) {
	o.mu.Lock()
	pending := xslices.Filter(msgs, func(m *model.Message) bool {
		return !m.HasBody && !o.stateLocked(folder.Path, m.Key()).LoadingBody
	})
	for _, m := range pending {
		o.stateLocked(folder.Path, m.Key()).LoadingBody = true
	}
	o.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}

	o.busy()
	defer o.done()

	defer func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		for _, m := range pending {
			o.stateLocked(folder.Path, m.Key()).LoadingBody = false
		}
	}()

	keys := xslices.Map(pending, func(m *model.Message) string { return m.Key() })

	raws, err := o.store.ListItems(ctx, true, store.MessageKeys(folder.Path, keys)...)
	if err != nil {
		return nil, fmt.Errorf("loading messages of %s: %w", folder.Path, err)
	}
	stored, err := store.Decode[*model.Message](raws)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]*model.Message, len(pending))
	for _, m := range stored {
		loaded[m.Key()] = m
	}

	missing := xslices.Filter(pending, func(m *model.Message) bool {
		return loaded[m.Key()] == nil
	})

	if len(missing) > 0 {
		fetched, err := o.fetchMessages(ctx, folder, missing)
		if err != nil {
			logrus.WithError(err).WithField("path", folder.Path).Error("Cannot fetch messages from IMAP")
		}
		for _, m := range fetched {
			loaded[m.Key()] = m
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	result := make([]*model.Message, 0, len(pending))
	for _, m := range pending {
		l := loaded[m.Key()]
		if l == nil {
			continue
		}
		m.Merge(l)
		extractBody(m)
		result = append(result, m)
	}

	return result, nil
}

// fetchMessages downloads metadata and content parts of msgs and stores
// them. Attachments without a content ID are fetched on demand only.
// Messages that vanished on the server are skipped.
func (o *Orchestrator) fetchMessages(ctx context.Context, folder *model.Folder, msgs []*model.Message) ([]*model.Message, error) {
	client, err := o.onlineClient()
	if err != nil {
		return nil, err
	}

	uids := xslices.Map(msgs, func(m *model.Message) uint32 { return m.UID })

	metas, err := client.ListMessages(ctx, folder.Path, uids)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %s: %w", folder.Path, err)
	}

	results := make([]*model.Message, len(metas))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)

	for i, meta := range metas {
		i, meta := i, meta
		group.Go(func() error {
			content := xslices.Filter(meta.BodyParts, func(p model.BodyPart) bool {
				return p.Type != model.PartTypeAttachment || p.ContentID != ""
			})
			attachments := xslices.Filter(meta.BodyParts, func(p model.BodyPart) bool {
				return p.Type == model.PartTypeAttachment && p.ContentID == ""
			})

			if len(content) == 0 {
				results[i] = meta
				return nil
			}

			parsed, err := o.getBodyParts(gctx, client, folder.Path, meta.UID, content)
			if errors.Is(err, remote.ErrMessageNotFound) {
				logrus.WithField("uid", meta.UID).Warn("Message deleted before its body was fetched")
				return nil
			}
			if err != nil {
				return err
			}

			meta.BodyParts = append(parsed, attachments...)

			if err := o.store.StoreList(gctx, store.FolderKey(folder.Path), []store.Item{{ID: meta.Key(), Value: meta}}); err != nil {
				return fmt.Errorf("storing message %s: %w", meta.Key(), err)
			}

			results[i] = meta
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	results = xslices.Filter(results, func(m *model.Message) bool { return m != nil })

	var highest uint64
	for _, m := range results {
		highest = max(highest, m.ModSeq)
	}

	o.mu.Lock()
	advanced := highest > folder.ModSeq
	if advanced {
		folder.ModSeq = highest
	}
	folder.UpdateCount()
	o.mu.Unlock()

	if advanced {
		if err := o.persistFolders(ctx); err != nil {
			return results, err
		}
	}

	return results, nil
}

// getBodyParts fetches and decodes parts of one message.
func (o *Orchestrator) getBodyParts(
	ctx context.Context,
	client remote.Client,
	path string,
	uid uint32,
	parts []model.BodyPart,
) ([]model.BodyPart, error) {
	fetched, err := client.GetBodyParts(ctx, path, uid, parts)
	if err != nil {
		return nil, fmt.Errorf("fetching body of %d: %w", uid, err)
	}

	if xslices.Any(fetched, func(p model.BodyPart) bool { return !p.Fetched() }) {
		return nil, fmt.Errorf("fetching body of %d: %w", uid, remote.ErrMessageNotFound)
	}

	parsed, err := o.parser.Parse(ctx, fetched)
	if err != nil {
		return nil, fmt.Errorf("parsing body of %d: %w", uid, err)
	}
	return parsed, nil
}

// GetAttachment downloads the content of one attachment of the message
// with the given UID.
func (o *Orchestrator) GetAttachment(
	ctx context.Context,
	folder *model.Folder,
	uid uint32,
	attachment model.BodyPart,
) (model.BodyPart, error) {
	client, err := o.onlineClient()
	if err != nil {
		return attachment, err
	}

	o.busy()
	defer o.done()

	parsed, err := o.getBodyParts(ctx, client, folder.Path, uid, []model.BodyPart{attachment})
	if err != nil {
		return attachment, err
	}

	attachment.Content = parsed[0].Content
	return attachment, nil
}

// extractBody derives the text, HTML and attachment fields of m from its
// body parts.
func extractBody(m *model.Message) {
	contents := func(t model.PartType) string {
		return strings.Join(xslices.Map(m.PartsOfType(t), func(p model.BodyPart) string {
			return string(p.Content)
		}), "\n")
	}

	m.Body = contents(model.PartTypeText)
	m.Attachments = m.PartsOfType(model.PartTypeAttachment)
	m.HTML = inlineImages(contents(model.PartTypeHTML), m.Attachments)
	m.HasBody = true
}

// inlineImages replaces cid: image sources by data URLs of the matching
// attachment. Unresolved references get an empty source.
func inlineImages(html string, attachments []model.BodyPart) string {
	return cidImage.ReplaceAllStringFunc(html, func(match string) string {
		groups := cidImage.FindStringSubmatch(match)

		src := ""
		for _, a := range attachments {
			if a.ContentID == groups[2] && len(a.Content) > 0 {
				src = "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(a.Content)
				break
			}
		}

		return groups[1] + src + groups[3]
	})
}

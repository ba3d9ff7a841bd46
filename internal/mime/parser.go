// Package mime decodes fetched body parts into their content.
package mime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// Parser decodes raw MIME sections. The zero value is ready to use.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes the Raw section of every part into Content, undoing the
// transfer encoding and converting text to UTF-8. Parts without Raw data
// are returned unchanged.
func (p *Parser) Parse(ctx context.Context, parts []model.BodyPart) ([]model.BodyPart, error) {
	out := make([]model.BodyPart, len(parts))

	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(part.Raw) == 0 {
			out[i] = part
			continue
		}

		decoded, err := decodePart(part)
		if err != nil {
			return nil, fmt.Errorf("decoding part %q: %w", part.PartNumber, err)
		}
		out[i] = decoded
	}

	return out, nil
}

func decodePart(part model.BodyPart) (model.BodyPart, error) {
	entity, err := message.Read(bytes.NewReader(part.Raw))
	if err != nil {
		// Unknown charsets and encodings still yield a readable entity.
		if !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return part, err
		}
		logrus.WithError(err).WithField("part", part.PartNumber).Debug("Falling back to raw part content")
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return part, err
	}

	part.Content = content

	mediaType, _, _ := entity.Header.ContentType()
	if part.MIMEType == "" && mediaType != "" {
		part.MIMEType = strings.ToLower(mediaType)
	}

	if part.Filename == "" {
		h := mail.AttachmentHeader{Header: entity.Header}
		if name, err := h.Filename(); err == nil && name != "" {
			part.Filename = name
		}
	}

	if part.ContentID == "" {
		part.ContentID = strings.Trim(entity.Header.Get("Content-Id"), "<> ")
	}

	return part, nil
}

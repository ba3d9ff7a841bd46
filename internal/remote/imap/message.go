package imap

import (
	"strconv"
	"strings"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/model"
)

// messageFromBuffer converts fetched envelope, flags and structure into a
// message without content.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) *model.Message {
	msg := &model.Message{
		UID:    uint32(buf.UID),
		ModSeq: buf.ModSeq,
	}

	msg.ApplyFlags(flagStrings(buf.Flags))

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.SentDate = env.Date
		msg.From = addresses(env.From)
		msg.To = addresses(env.To)
		msg.Cc = addresses(env.Cc)
		msg.Bcc = addresses(env.Bcc)
	}

	if buf.BodyStructure != nil {
		msg.BodyParts = bodyParts(buf.BodyStructure)
	}

	return msg
}

func flagStrings(flags []imap.Flag) []string {
	return xslices.Map(flags, func(f imap.Flag) string { return string(f) })
}

func addresses(addrs []imap.Address) []model.Address {
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		out = append(out, model.Address{Name: a.Name, Address: a.Addr()})
	}
	return out
}

// bodyParts flattens a body structure into its leaf parts. A single-part
// message yields one part with an empty part number.
func bodyParts(bs imap.BodyStructure) []model.BodyPart {
	if single, ok := bs.(*imap.BodyStructureSinglePart); ok {
		return []model.BodyPart{leafPart(nil, single)}
	}

	var parts []model.BodyPart
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if single, ok := part.(*imap.BodyStructureSinglePart); ok {
			parts = append(parts, leafPart(path, single))
		}
		return true
	})

	return parts
}

func leafPart(path []int, part *imap.BodyStructureSinglePart) model.BodyPart {
	bp := model.BodyPart{
		PartNumber: partNumber(path),
		ContentID:  strings.Trim(part.ID, "<>"),
		Filename:   part.Filename(),
		MIMEType:   strings.ToLower(part.MediaType()),
		Encoding:   strings.ToLower(part.Encoding),
		Size:       part.Size,
	}

	attachment := false
	if disp := part.Disposition(); disp != nil && strings.EqualFold(disp.Value, "attachment") {
		attachment = true
	}

	switch {
	case attachment || bp.Filename != "":
		bp.Type = model.PartTypeAttachment
	case bp.MIMEType == "text/plain":
		bp.Type = model.PartTypeText
	case bp.MIMEType == "text/html":
		bp.Type = model.PartTypeHTML
	default:
		bp.Type = model.PartTypeAttachment
	}

	return bp
}

func partNumber(path []int) string {
	return strings.Join(xslices.Map(path, strconv.Itoa), ".")
}

func parsePartNumber(number string) []int {
	if number == "" {
		return nil
	}

	fields := strings.Split(number, ".")
	path := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		path = append(path, n)
	}

	return path
}

// partSections returns the sections yielding a part's MIME header and its
// content. The whole-message part uses HEADER and TEXT.
func partSections(number string) (header, body *imap.FetchItemBodySection) {
	path := parsePartNumber(number)
	if len(path) == 0 {
		return &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true},
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Peek: true}
	}

	return &imap.FetchItemBodySection{Specifier: imap.PartSpecifierMIME, Part: path, Peek: true},
		&imap.FetchItemBodySection{Part: path, Peek: true}
}

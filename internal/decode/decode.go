// Package decode turns raw mailbox messages into their canonical
// ParsedMail form: sender, subject, body text in both renditions, and
// the flat list of attachments pulled out of the nested part tree.
package decode

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/remort/gmail2amo/internal/mail"
)

// Mailbox part trees are untrusted input; stop descending past this
// depth instead of recursing without bound.
const maxPartDepth = 100

var subjectPrefixes = []string{"Re:", "re:", "Fwd:", "fwd:"}

// AttachmentFetcher fetches the payload of one attachment part
// out-of-band, keyed by the message id and the part-local attachment
// id. The returned payload is base64url encoded, as delivered by the
// mailbox.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) (string, error)
}

// Decoder decodes mailbox messages. Attachment payloads are fetched
// through Fetcher; a nil Fetcher yields attachments with empty bytes.
type Decoder struct {
	Fetcher AttachmentFetcher
	Logger  zerolog.Logger
}

// Decode builds the ParsedMail for one raw message.
func (d *Decoder) Decode(ctx context.Context, msg *gmail_api.Message) (*mail.ParsedMail, error) {
	if msg == nil || msg.Payload == nil {
		return nil, errors.New("message has no payload")
	}
	payload := msg.Payload

	name, address := splitSender(headerValue(payload.Headers, "From"))
	return &mail.ParsedMail{
		ID:          msg.Id,
		To:          headerValue(payload.Headers, "To"),
		Subject:     normalizeSubject(headerValue(payload.Headers, "Subject")),
		Body:        d.bodyText(msg, "text/plain"),
		HTMLText:    htmlToText(d.bodyText(msg, "text/html")),
		Attachments: d.attachments(ctx, payload.Parts, msg.Id, 0),
		Contact:     mail.Contact{Name: name, Email: address},
	}, nil
}

// headerValue returns the value of the named header, or "" when the
// header list is absent or carries no such name. Names are matched
// case-sensitively, first match wins, as delivered by the mailbox.
func headerValue(headers []*gmail_api.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && h.Name == name {
			return h.Value
		}
	}
	return ""
}

// normalizeSubject removes reply and forward prefixes and trims the
// result. The prefixes are removed wherever they occur in the string,
// not only at the start; downstream consumers rely on this exact
// (loose) behavior.
func normalizeSubject(subject string) string {
	for _, prefix := range subjectPrefixes {
		subject = strings.ReplaceAll(subject, prefix, "")
	}
	return strings.TrimSpace(subject)
}

// splitSender splits a raw From header on its last space into display
// name and address. A header without spaces is all address, and an
// absent display name defaults to the address.
func splitSender(from string) (name, address string) {
	if i := strings.LastIndex(from, " "); i >= 0 {
		name, address = from[:i], from[i+1:]
	} else {
		address = from
	}
	if strings.HasPrefix(address, "<") && strings.HasSuffix(address, ">") && len(address) >= 2 {
		address = address[1 : len(address)-1]
	}
	if name == "" {
		name = address
	}
	return name, address
}

// bodyText collects the message content matching the given MIME type.
// A childless root part contributes its own body when its Content-Type
// matches; otherwise the part tree is walked depth-first and every
// matching part's decoded bytes are concatenated. Invalid byte
// sequences are dropped rather than failing.
func (d *Decoder) bodyText(msg *gmail_api.Message, mimeType string) string {
	payload := msg.Payload
	var raw []byte
	if len(payload.Parts) == 0 {
		if h := headerValue(payload.Headers, "Content-Type"); strings.HasPrefix(h, mimeType) {
			raw = d.partBody(payload.Body)
		}
	} else {
		raw = d.collectParts(payload.Parts, mimeType, 0)
	}
	return strings.ToValidUTF8(string(raw), "")
}

func (d *Decoder) collectParts(parts []*gmail_api.MessagePart, mimeType string, depth int) []byte {
	if depth > maxPartDepth {
		d.Logger.Warn().Int("depth", depth).Msg("part tree deeper than allowed, truncating walk")
		return nil
	}
	var body []byte
	for _, part := range parts {
		if part == nil {
			continue
		}
		if h := headerValue(part.Headers, "Content-Type"); strings.HasPrefix(h, mimeType) {
			body = append(body, d.partBody(part.Body)...)
		}
		if len(part.Parts) > 0 {
			body = append(body, d.collectParts(part.Parts, mimeType, depth+1)...)
		}
	}
	return body
}

// partBody decodes the inline base64url payload of a part. A part
// without data is common and contributes nothing; an undecodable
// payload is logged and also contributes nothing.
func (d *Decoder) partBody(body *gmail_api.MessagePartBody) []byte {
	if body == nil || body.Data == "" {
		return nil
	}
	b, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("undecodable base64 in message body part")
		return nil
	}
	return b
}

// attachments walks the part tree depth-first and collects every part
// whose Content-Disposition declares an attachment. Qualifying parts
// that carry children of their own are walked too; mailboxes nest
// attachments inside multipart containers.
func (d *Decoder) attachments(ctx context.Context, parts []*gmail_api.MessagePart, messageID string, depth int) []mail.Attachment {
	if depth > maxPartDepth {
		d.Logger.Warn().Int("depth", depth).Msg("attachment tree deeper than allowed, truncating walk")
		return nil
	}
	var out []mail.Attachment
	for _, part := range parts {
		if part == nil || part.Body == nil {
			continue
		}
		disposition := headerValue(part.Headers, "Content-Disposition")
		if !strings.HasPrefix(disposition, "attachment;") {
			continue
		}
		out = append(out, mail.Attachment{
			Name: part.Filename,
			Data: d.fetchAttachment(ctx, messageID, part.Body.AttachmentId),
			Mime: part.MimeType,
			Size: part.Body.Size,
		})
		if len(part.Parts) > 0 {
			out = append(out, d.attachments(ctx, part.Parts, messageID, depth+1)...)
		}
	}
	return out
}

func (d *Decoder) fetchAttachment(ctx context.Context, messageID, attachmentID string) []byte {
	if d.Fetcher == nil || attachmentID == "" {
		return nil
	}
	data, err := d.Fetcher.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		d.Logger.Error().Err(err).Str("message", messageID).Msg("unable to fetch attachment payload")
		return nil
	}
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		d.Logger.Warn().Err(err).Str("message", messageID).Msg("undecodable base64 in attachment payload")
		return nil
	}
	return b
}

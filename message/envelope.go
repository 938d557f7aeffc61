package message

import (
	"bytes"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoEnvelope is reported when there is no message to format.
var ErrNoEnvelope = errors.New("no envelope")

// maxDepth bounds multipart nesting; deeper parts are dropped.
const maxDepth = 32

// Part is one node of a message's MIME tree: *Multipart, *Body or *Attachment.
type Part interface {
	mimeType() string
}

// Multipart is a container node with its children in document order. An
// embedded message/rfc822 part is a Multipart holding the inner message.
type Multipart struct {
	MediaType string
	Parts     []Part
}

// Body is a leaf with decoded text. Text is only filled for text/* leaves
// and for the root of a single-part message.
type Body struct {
	MediaType string
	Text      string
}

// Attachment is a leaf marked as an attachment. Its content is not kept.
type Attachment struct {
	MediaType string
	Filename  string
}

func (p *Multipart) mimeType() string  { return p.MediaType }
func (p *Body) mimeType() string       { return p.MediaType }
func (p *Attachment) mimeType() string { return p.MediaType }

// Envelope holds the header fields used for forwarding and the parsed body.
// Header values are kept as they appear on the wire.
type Envelope struct {
	From    string
	To      string
	Date    string
	Subject string
	Root    Part
}

// Leaves returns the non-container parts depth-first in document order.
func (e *Envelope) Leaves() []Part {
	var out []Part
	var walk func(p Part)
	walk = func(p Part) {
		switch p := p.(type) {
		case *Multipart:
			for _, c := range p.Parts {
				walk(c)
			}
		case nil:
		default:
			out = append(out, p)
		}
	}
	walk(e.Root)
	return out
}

// Multipart reports whether the message body is a multipart container.
func (e *Envelope) Multipart() bool {
	_, ok := e.Root.(*Multipart)
	return ok
}

// Parse reads a full RFC 822 message. Only an unreadable header block is an
// error; body problems degrade to partial or raw text.
func Parse(raw []byte, dec *Decoder) (*Envelope, error) {
	ent, err := gomessage.Read(bytes.NewReader(raw))
	if ent == nil {
		return nil, errors.Wrap(err, "read message header")
	}

	env := &Envelope{
		From:    ent.Header.Get("From"),
		To:      ent.Header.Get("To"),
		Date:    ent.Header.Get("Date"),
		Subject: ent.Header.Get("Subject"),
	}
	if !isContainer(ent.Header) {
		env.Root = &Body{MediaType: mediaTypeOf(ent.Header), Text: dec.Text(ent, err)}
		return env, nil
	}
	env.Root = dec.tree(ent, err, 0)
	return env, nil
}

func (d *Decoder) tree(ent *gomessage.Entity, entErr error, depth int) Part {
	mediaType := mediaTypeOf(ent.Header)
	if !isContainer(ent.Header) {
		return d.leaf(ent, entErr, mediaType)
	}

	if mr := ent.MultipartReader(); mr != nil {
		mp := &Multipart{MediaType: mediaType}
		if depth >= maxDepth {
			d.log.Warn("Multipart nesting too deep, dropping children", zap.Int("depth", depth))
			return mp
		}
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if child == nil {
				d.log.Warn("Malformed multipart body, keeping parts read so far",
					zap.String("content_type", mediaType), zap.Error(err))
				break
			}
			mp.Parts = append(mp.Parts, d.tree(child, err, depth+1))
		}
		return mp
	}

	// An inline message/rfc822 part is walked like the enclosing message.
	if isAttachment(ent.Header) {
		return &Attachment{MediaType: mediaType, Filename: d.Filename(ent.Header)}
	}
	mp := &Multipart{MediaType: mediaType}
	if depth >= maxDepth {
		d.log.Warn("Message nesting too deep, dropping inner message", zap.Int("depth", depth))
		return mp
	}
	inner, err := gomessage.Read(ent.Body)
	if inner == nil {
		d.log.Warn("Unreadable inner message, skipping", zap.Error(err))
		return mp
	}
	mp.Parts = []Part{d.tree(inner, err, depth+1)}
	return mp
}

func (d *Decoder) leaf(ent *gomessage.Entity, entErr error, mediaType string) Part {
	if isAttachment(ent.Header) {
		return &Attachment{MediaType: mediaType, Filename: d.Filename(ent.Header)}
	}
	b := &Body{MediaType: mediaType}
	if strings.HasPrefix(mediaType, "text/") {
		b.Text = d.Text(ent, entErr)
	}
	return b
}

// isContainer reports whether a part holds other parts: a multipart with a
// boundary or an embedded message. A multipart without a boundary is read as
// a single body.
func isContainer(h gomessage.Header) bool {
	t, params, err := h.ContentType()
	if err != nil {
		return false
	}
	t = strings.ToLower(t)
	switch {
	case t == "message/rfc822":
		return true
	case strings.HasPrefix(t, "multipart/"):
		return params["boundary"] != ""
	}
	return false
}

func isAttachment(h gomessage.Header) bool {
	disp, _, err := h.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

// mediaTypeOf returns the lower-case media type, text/plain when absent.
func mediaTypeOf(h gomessage.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return strings.ToLower(t)
}

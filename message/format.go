package message

import (
	"fmt"
	"html"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"go.uber.org/zap"
)

const (
	// ErrorDocument replaces a message that could not be formatted.
	ErrorDocument = "⚠ Error processing email"

	htmlPlaceholder = "(HTML content available in original email)"
	productName     = "Email Forwarding Bot"
	timestampLayout = "2006-01-02 15:04:05"
	rule            = "━━━━━━━━━━━━━━━━━━━━━"
)

// Formatter renders an Envelope as a Telegram HTML notification.
type Formatter struct {
	log *zap.Logger
	dec *Decoder

	// RenderHTML converts HTML-only bodies to text instead of printing the
	// placeholder.
	RenderHTML bool
	// Now stamps the footer.
	Now func() time.Time
}

func NewFormatter(log *zap.Logger, dec *Decoder) *Formatter {
	return &Formatter{log: log, dec: dec, Now: time.Now}
}

// Format always returns a non-empty document. Failures are logged and
// produce ErrorDocument.
func (f *Formatter) Format(env *Envelope) (doc string) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("Panic while formatting email", zap.Any("panic", r))
			doc = ErrorDocument
		}
	}()

	if env == nil {
		f.log.Error("Email formatting error", zap.Error(ErrNoEnvelope))
		return ErrorDocument
	}

	var b strings.Builder
	b.WriteString("🌟 <b>New Email Received!</b> 🌟\n\n")
	fmt.Fprintf(&b, "📋 <b>DETAILS:</b>\n%s\n", rule)
	fmt.Fprintf(&b, "👤 From: %s\n", f.headerField(env.From, "Unknown sender"))
	fmt.Fprintf(&b, "👥 To: %s\n", f.headerField(env.To, "Recipient not specified"))
	fmt.Fprintf(&b, "🕒 Date: %s\n", f.headerField(env.Date, "Date not specified"))
	fmt.Fprintf(&b, "📌 Subject: %s\n%s\n", f.headerField(env.Subject, ""), rule)

	segments, attachments := f.collect(env)
	if len(segments) > 0 {
		fmt.Fprintf(&b, "\n📝 <b>CONTENT:</b>\n%s\n%s", rule, strings.Join(segments, "\n"))
	}
	if len(attachments) > 0 {
		fmt.Fprintf(&b, "\n\n📁 <b>ATTACHMENTS:</b>\n%s\n%s", rule, strings.Join(attachments, "\n"))
	}

	fmt.Fprintf(&b, "\n\n%s\n🤖 %s\n⏰ %s", rule, productName, f.Now().Format(timestampLayout))
	return b.String()
}

// headerField decodes and escapes a header value, substituting def when the
// header is absent. A value that fails to decode is used raw.
func (f *Formatter) headerField(raw, def string) string {
	if raw == "" {
		return html.EscapeString(def)
	}
	s, err := f.dec.Header(raw)
	if err != nil {
		f.log.Warn("Header decode failed, using raw value", zap.String("value", raw), zap.Error(err))
	}
	return html.EscapeString(s)
}

func (f *Formatter) collect(env *Envelope) (segments, attachments []string) {
	if !env.Multipart() {
		if body, ok := env.Root.(*Body); ok {
			if t := strings.TrimSpace(body.Text); t != "" {
				segments = append(segments, html.EscapeString(t))
			}
		}
		return segments, nil
	}

	for _, leaf := range env.Leaves() {
		switch p := leaf.(type) {
		case *Attachment:
			attachments = append(attachments, "📎 "+html.EscapeString(p.Filename))
		case *Body:
			switch p.MediaType {
			case "text/plain":
				if t := strings.TrimSpace(p.Text); t != "" {
					segments = append(segments, html.EscapeString(t))
				}
			case "text/html":
				if len(segments) == 0 {
					segments = append(segments, f.htmlSegment(p.Text))
				}
			}
		}
	}
	return segments, attachments
}

func (f *Formatter) htmlSegment(src string) string {
	if !f.RenderHTML {
		return htmlPlaceholder
	}
	md, err := htmltomarkdown.ConvertString(src)
	if err != nil {
		f.log.Warn("HTML conversion failed", zap.Error(err))
		return htmlPlaceholder
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return htmlPlaceholder
	}
	return html.EscapeString(md)
}

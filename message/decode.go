package message

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// maxPartBytes caps how much of a single body part is read.
const maxPartBytes = 1 << 20

// UnknownFilename names an attachment whose filename is missing or unreadable.
const UnknownFilename = "Unknown_file"

func init() {
	// Windows code page labels seen in the wild that the IANA tables miss.
	charset.RegisterEncoding("cp936", simplifiedchinese.GBK)
	charset.RegisterEncoding("ms936", simplifiedchinese.GBK)
	charset.RegisterEncoding("cp932", japanese.ShiftJIS)
	charset.RegisterEncoding("cp949", korean.EUCKR)
}

// Decoder turns MIME leaves and RFC 2047 header words into UTF-8 text.
// It never fails: anything it cannot convert is decoded permissively and
// logged.
type Decoder struct {
	log   *zap.Logger
	words *mime.WordDecoder
}

func NewDecoder(log *zap.Logger) *Decoder {
	return &Decoder{
		log:   log,
		words: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
}

// Text returns the decoded text of a leaf entity. entityErr is the error
// go-message reported while building the entity; unknown charsets and
// transfer encodings leave the raw bytes in the body.
func (d *Decoder) Text(e *gomessage.Entity, entityErr error) string {
	if e == nil {
		return ""
	}
	if entityErr != nil {
		d.log.Warn("Part body not fully decoded, using raw bytes",
			zap.String("content_type", e.Header.Get("Content-Type")),
			zap.Error(entityErr))
	}

	b, err := io.ReadAll(io.LimitReader(e.Body, maxPartBytes))
	if err != nil {
		// Keep whatever was read before the failure.
		d.log.Warn("Failed to read part body", zap.Error(err))
	}

	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "text/html" && params["charset"] == "" && !utf8.Valid(b) {
		b = d.sniffHTML(b)
	}
	return permissive(b)
}

// sniffHTML converts an HTML body without a declared charset using its
// <meta> declaration, or windows-1252 when there is none.
func (d *Decoder) sniffHTML(b []byte) []byte {
	enc, name, _ := htmlcharset.DetermineEncoding(b, "text/html")
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		d.log.Warn("HTML charset conversion failed", zap.String("charset", name), zap.Error(err))
		return b
	}
	return out
}

// Header decodes RFC 2047 encoded-words in a header value.
func (d *Decoder) Header(raw string) (string, error) {
	s, err := d.words.DecodeHeader(raw)
	if err != nil {
		return raw, errors.Wrap(err, "decode header")
	}
	return permissive([]byte(s)), nil
}

// Filename returns the attachment filename from Content-Disposition, then
// the Content-Type name parameter, or UnknownFilename.
func (d *Decoder) Filename(h gomessage.Header) string {
	name := ""
	if _, params, err := h.ContentDisposition(); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if _, params, err := h.ContentType(); err == nil {
			name = params["name"]
		}
	}
	if strings.TrimSpace(name) == "" {
		return UnknownFilename
	}
	decoded, err := d.Header(name)
	if err != nil {
		d.log.Warn("Attachment filename decode failed", zap.String("filename", name), zap.Error(err))
		return UnknownFilename
	}
	return decoded
}

func permissive(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string(bytes.ToValidUTF8(b, []byte("\uFFFD")))
}

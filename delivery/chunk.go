package delivery

import "fmt"

// TelegramMaxLength is the Bot API limit for one message, in characters.
const TelegramMaxLength = 4096

// Part is one ordered slice of a document. Ordinal is 1-based.
type Part struct {
	Ordinal int
	Total   int
	Text    string
}

// Message returns the text to send: multi-part documents get a
// "📑 Part i/N" header, a single part is sent as is.
func (p Part) Message() string {
	if p.Total <= 1 {
		return p.Text
	}
	return fmt.Sprintf("📑 Part %d/%d\n\n%s", p.Ordinal, p.Total, p.Text)
}

// Split cuts doc into consecutive slices of at most limit characters.
// Cuts ignore line and markup boundaries. The marker added by Message is not
// counted against limit. A non-positive limit disables splitting.
func Split(doc string, limit int) []Part {
	runes := []rune(doc)
	if limit <= 0 || len(runes) <= limit {
		return []Part{{Ordinal: 1, Total: 1, Text: doc}}
	}

	total := (len(runes) + limit - 1) / limit
	parts := make([]Part, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*limit, len(runes))
		parts = append(parts, Part{
			Ordinal: i + 1,
			Total:   total,
			Text:    string(runes[i*limit : end]),
		})
	}
	return parts
}

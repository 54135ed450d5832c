package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// Normalize reduces raw page content to single-spaced text. Markup is
// stripped first when the input looks like HTML.
func Normalize(raw string) string {
	if strings.ContainsRune(raw, '<') {
		raw = stripMarkup(raw)
	}
	return strings.Join(strings.Fields(raw), " ")
}

func stripMarkup(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was recovered.
			return b.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); isSkipped(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isSkipped(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isSkipped(tag []byte) bool {
	switch string(tag) {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// cleanText trims separators left between a date and its description and
// caps the result at n runes.
func cleanText(s string, n int) string {
	s = strings.TrimLeft(s, " \t-–—:|•.,;")
	s = truncateRunes(s, n)
	return strings.TrimSpace(s)
}

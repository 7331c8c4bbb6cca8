// Package textx normalizes text extracted from scraped pages before it is
// persisted or embedded in analysis prompts.
package textx

import "strings"

// SanitizeText drops control characters that survive HTML extraction, keeping
// tab, newline, and carriage return, and trims surrounding whitespace.
func SanitizeText(s string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(clean)
}

// Excerpt bounds text to max bytes for prompt assembly, marking the cut with
// an ellipsis. The cut is byte-based; snapshots are large enough that a split
// rune at the boundary does not matter to the analysis backend.
func Excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

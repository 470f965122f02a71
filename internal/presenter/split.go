package presenter

import "strings"

const truncationIndicator = "... [truncated]"

// trimMessage truncates text to limit bytes, cutting on a rune boundary
// and ending with the truncation indicator.
func trimMessage(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - len(truncationIndicator)
	if cut <= 0 {
		return truncationIndicator[:limit]
	}
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationIndicator
}

// splitMessage breaks text into chunks of at most limit bytes with no
// content loss, preferring paragraph breaks outside code fences, then
// line breaks, then spaces, hard-cutting only as a last resort.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut, trim := findSplit(text, limit)
		parts = append(parts, text[:cut])
		text = text[cut+trim:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// findSplit returns the byte offset to cut at and how many separator
// bytes to drop after the cut.
func findSplit(text string, limit int) (cut, trim int) {
	window := text[:limit]

	// Paragraph boundary outside any open code fence.
	if i := lastBoundary(window, "\n\n", text); i > 0 {
		return i, 2
	}
	// Line boundary outside any open code fence.
	if i := lastBoundary(window, "\n", text); i > 0 {
		return i, 1
	}
	// Any line boundary, fences be damned.
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i, 1
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i, 1
	}
	// Hard cut on a rune boundary.
	cut = limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut, 0
}

// lastBoundary finds the rightmost occurrence of sep in window that is
// not inside an unclosed ``` fence.
func lastBoundary(window, sep, full string) int {
	for i := strings.LastIndex(window, sep); i > 0; i = strings.LastIndex(window[:i], sep) {
		if !insideFence(full[:i]) {
			return i
		}
	}
	return -1
}

func insideFence(prefix string) bool {
	return strings.Count(prefix, "```")%2 == 1
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

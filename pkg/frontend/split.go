package frontend

import (
	"strings"
	"unicode/utf8"
)

// sentence boundaries tried in order before falling back to word boundaries.
var splitBoundaries = []string{"\n", ". ", "! ", "? "}

// SplitMessage divides content into sequential chunks of at most limit
// bytes, preferring sentence boundaries, then word boundaries, then a hard
// cut. Chunks concatenate back to exactly the original content.
func SplitMessage(content string, limit int) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	var parts []string
	rest := content
	for len(rest) > limit {
		cut := splitPoint(rest[:limit])
		parts = append(parts, rest[:cut])
		rest = rest[cut:]
	}
	return append(parts, rest)
}

// splitPoint picks where to cut within a window that is already at the size
// limit. The boundary characters stay with the leading chunk so the chunks
// concatenate losslessly.
func splitPoint(window string) int {
	for _, boundary := range splitBoundaries {
		if idx := strings.LastIndex(window, boundary); idx > 0 {
			return idx + len(boundary)
		}
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx + 1
	}

	// Hard cut: a multi-byte rune straddling the edge stays whole in the
	// next chunk.
	start := len(window) - 1
	for start > 0 && !utf8.RuneStart(window[start]) {
		start--
	}
	if r, _ := utf8.DecodeRuneInString(window[start:]); r == utf8.RuneError && start > 0 {
		return start
	}
	return len(window)
}

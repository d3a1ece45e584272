// Package markdown shapes long task results for chat surfaces that cap
// message length.
package markdown

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit is the longest result sent as a single message.
const DefaultLimit = 1800

const (
	summaryCap   = 600
	truncateAt   = 500
	attachedNote = "_Full report attached (task %s)._"
)

// Split returns text unchanged when it fits in limit. Longer text is split
// into a short summary for the message body and the full text as a report.
// The summary is the first paragraph when that is at most 600 characters,
// otherwise the first 500 characters cut at a sentence or word boundary.
func Split(text string, limit int, ref string) (summary, report string) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(text) <= limit {
		return text, ""
	}

	if idx := strings.Index(text, "\n\n"); idx > 0 && idx <= summaryCap {
		summary = text[:idx]
	} else {
		summary = truncateAtSentence(text, truncateAt)
	}

	note := strings.Replace(attachedNote, "%s", ref, 1)
	if ref == "" {
		note = "_Full report attached._"
	}
	return strings.TrimSpace(summary) + "\n\n" + note, text
}

// truncateAtSentence cuts text to at most maxLen bytes, preferring a
// sentence end, then a word boundary, in the second half of the window.
func truncateAtSentence(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	chunk := text[:runeBoundary(text, maxLen)]

	for i := len(chunk) - 1; i > maxLen/2; i-- {
		if chunk[i] == '.' || chunk[i] == '!' || chunk[i] == '?' {
			return chunk[:i+1]
		}
	}
	if idx := strings.LastIndex(chunk, " "); idx > maxLen/2 {
		return chunk[:idx] + "..."
	}
	return chunk + "..."
}

// runeBoundary returns the largest n <= max that does not split a UTF-8
// sequence in s.
func runeBoundary(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

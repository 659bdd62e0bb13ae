// Package chunker splits normalized document text into overlapping spans
// sized for the embedding model's context limit.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken is the rough token estimate used across the pipeline.
const charsPerToken = 4

// EstimateTokens provides a rough token count using 4 chars per token.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Span is one chunk of a document's text. Offsets are byte positions into
// the original text, so text[Start:End] == Text always holds, and adjacent
// spans share exactly the configured overlap (except at document edges).
type Span struct {
	Start int
	End   int
	Text  string
}

// Split cuts text into spans of at most maxTokens, with adjacent spans
// sharing overlapTokens of trailing/leading text. Cuts prefer paragraph
// breaks, then line breaks, then word boundaries, falling back to a hard cut
// at a rune boundary. A document shorter than maxTokens yields exactly one
// span; blank text yields none.
func Split(text string, maxTokens, overlapTokens int) []Span {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxTokens <= 0 {
		return nil
	}

	maxChars := maxTokens * charsPerToken
	overlap := overlapTokens * charsPerToken
	if overlap >= maxChars {
		overlap = maxChars / 2
	}

	if len(text) <= maxChars {
		return []Span{{Start: 0, End: len(text), Text: text}}
	}

	var spans []Span
	start := 0
	for {
		end := start + maxChars
		if end >= len(text) {
			spans = append(spans, Span{Start: start, End: len(text), Text: text[start:]})
			break
		}

		cut := boundary(text, start, end)
		spans = append(spans, Span{Start: start, End: cut, Text: text[start:cut]})

		next := cut - overlap
		if next <= start {
			// Overlap would stall progress on a tiny chunk; continue without it.
			next = cut
		}
		// Never start mid-rune.
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
	return spans
}

// boundary picks the cut position for a chunk spanning [start, limit).
// It searches backward from limit for a paragraph break, then a newline,
// then a space, but never moves the cut into the first half of the chunk.
// With no usable separator it hard-cuts at the nearest rune boundary.
func boundary(text string, start, limit int) int {
	window := text[start:limit]
	floor := len(window) / 2

	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > floor {
			return start + i + len(sep)
		}
	}

	// Hard cut: back up to a rune boundary.
	cut := limit
	for cut > start && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

// Reconstruct rebuilds the original text from spans using their offsets,
// skipping each span's leading overlap with its predecessor. It is the
// inverse of Split and exists to verify chunking never loses text.
func Reconstruct(spans []Span) string {
	var sb strings.Builder
	prevEnd := 0
	for _, s := range spans {
		skip := prevEnd - s.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(s.Text) {
			sb.WriteString(s.Text[skip:])
		}
		prevEnd = s.End
	}
	return sb.String()
}

// Package chunker splits extracted report text into overlapping, sentence-aware
// segments sized for embedding. Chunking is deterministic: identical input and
// parameters always produce identical boundaries.
package chunker

import (
	"regexp"
	"unicode/utf8"
)

const (
	// DefaultSize is the default maximum chunk length in characters.
	DefaultSize = 500
	// DefaultOverlap is the default number of characters shared between
	// consecutive chunks, keeping statements that span a boundary retrievable.
	DefaultOverlap = 50
)

// Chunk is one bounded segment of the source text. CharStart/CharEnd are
// half-open [start, end) rune offsets into the original text, so a cut never
// lands inside a multi-byte character.
type Chunk struct {
	Index     int
	Text      string
	CharStart int
	CharEnd   int
}

// sentenceEnd matches a sentence terminator followed by whitespace.
var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Chunker splits text into overlapping segments.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. Non-positive size falls back to DefaultSize; overlap
// is clamped to at most half the size so that every iteration makes forward
// progress even when a sentence boundary shortens the window to 80% of size.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap*2 > size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split divides text into chunks. The union of all [CharStart, CharEnd) spans
// covers the input with no gaps, and consecutive chunks share exactly the
// configured overlap (the final chunk may share more when little text remains).
// Empty input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.size {
		return []Chunk{{Index: 0, Text: text, CharStart: 0, CharEnd: len(runes)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end < len(runes) {
			// Prefer a sentence boundary in the final 20% of the window.
			searchStart := start + c.size*4/5
			window := string(runes[searchStart:end])
			if loc := sentenceEnd.FindStringIndex(window); loc != nil {
				end = searchStart + utf8.RuneCountInString(window[:loc[1]])
			}
		} else {
			end = len(runes)
		}

		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      string(runes[start:end]),
			CharStart: start,
			CharEnd:   end,
		})

		if end >= len(runes) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// Package chunker splits extracted document text into overlapping,
// boundary-aligned spans for embedding.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the default maximum number of bytes per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of bytes shared by consecutive chunks.
const DefaultChunkOverlap = 150

// Chunk is a span of the source text. Text always equals
// source[Offset : Offset+Length].
type Chunk struct {
	Index  int
	Offset int
	Length int
	Text   string
}

// End returns the offset one past the chunk's last byte.
func (c Chunk) End() int { return c.Offset + c.Length }

// Chunker splits text at paragraph, sentence or word boundaries.
type Chunker struct {
	size    int
	overlap int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the maximum chunk size in bytes.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks in bytes.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	// A break is searched for in the back half of the window, so the overlap
	// must stay below half the size for every step to make progress.
	if c.overlap >= c.size/2 {
		c.overlap = c.size / 4
	}
	return c
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into ordered chunks. The result is deterministic for a given
// text and configuration; blank text yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	n := len(text)
	chunks := make([]Chunk, 0, n/(c.size-c.overlap)+1)
	start := skipSpace(text, 0, n)

	for start < n {
		end := n
		if start+c.size < n {
			end = c.breakPoint(text, start)
		}

		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: start,
			Length: end - start,
			Text:   text[start:end],
		})
		if end >= n || strings.TrimSpace(text[end:]) == "" {
			break
		}

		next := wordStart(text, end-c.overlap, end)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint picks the end of the chunk starting at start. It prefers the last
// paragraph break in the back half of the window, then the last sentence end,
// then the last whitespace, and finally cuts at the window edge.
func (c *Chunker) breakPoint(text string, start int) int {
	limit := runeFloor(text, start+c.size)
	floor := start + c.size/2
	if floor > limit {
		floor = limit
	}
	window := text[floor:limit]

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return floor + i + 2
	}
	if i := lastSentenceEnd(window); i >= 0 {
		return floor + i
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i >= 0 {
		_, w := utf8.DecodeRuneInString(window[i:])
		return floor + i + w
	}
	if limit <= start {
		_, w := utf8.DecodeRuneInString(text[start:])
		return start + w
	}
	return limit
}

// lastSentenceEnd returns the index just past the last ". ", "! " or "? "
// (or the terminator followed by a newline) in s, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				return i + 2
			}
		}
	}
	return -1
}

// wordStart moves pos forward to the beginning of the next word, without
// passing limit.
func wordStart(text string, pos, limit int) int {
	if pos < 0 {
		pos = 0
	}
	pos = runeFloor(text, pos)
	if pos > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:pos])
		if !unicode.IsSpace(r) {
			// Inside a word: skip to its end.
			for pos < limit {
				r, w := utf8.DecodeRuneInString(text[pos:])
				if unicode.IsSpace(r) {
					break
				}
				pos += w
			}
		}
	}
	return skipSpace(text, pos, limit)
}

func skipSpace(text string, pos, limit int) int {
	for pos < limit {
		r, w := utf8.DecodeRuneInString(text[pos:])
		if !unicode.IsSpace(r) {
			break
		}
		pos += w
	}
	return pos
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

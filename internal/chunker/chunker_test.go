package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleText() string {
	var b strings.Builder
	for p := 0; p < 6; p++ {
		for s := 0; s < 8; s++ {
			fmt.Fprintf(&b, "Paragraph %d sentence %d describes how customer data is encrypted and audited. ", p, s)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

// reconstruct stitches chunks back together, dropping the overlapped prefix of
// each chunk after the first.
func reconstruct(source string, chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0].Text)
	prevEnd := chunks[0].End()
	for _, c := range chunks[1:] {
		if c.End() > prevEnd {
			b.WriteString(source[prevEnd:c.End()])
			prevEnd = c.End()
		}
	}
	return b.String()
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := New()
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})

	t.Run("overlap clamped below half the size", func(t *testing.T) {
		c := New(WithChunkSize(200), WithOverlap(150))
		assert.Less(t, c.Overlap(), c.Size()/2)
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		c := New(WithChunkSize(0), WithOverlap(-1))
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})
}

func TestSplit_Blank(t *testing.T) {
	c := New()
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split(" \n\t "))
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	c := New()
	chunks := c.Split("We are SOC 2 Type II certified.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, "We are SOC 2 Type II certified.", chunks[0].Text)
}

func TestSplit_Invariants(t *testing.T) {
	text := sampleText()
	c := New(WithChunkSize(300), WithOverlap(45))
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 3)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, text[ch.Offset:ch.End()], ch.Text, "chunk %d is not a span of the source", i)
		assert.LessOrEqual(t, ch.Length, 300)
		assert.NotEmpty(t, strings.TrimSpace(ch.Text))
		if i > 0 {
			prev := chunks[i-1]
			assert.LessOrEqual(t, ch.Offset, prev.End(), "gap before chunk %d", i)
			assert.Greater(t, ch.Offset, prev.Offset, "no progress at chunk %d", i)
		}
	}

	assert.Equal(t, strings.TrimSpace(text), strings.TrimSpace(reconstruct(text, chunks)))
}

func TestSplit_PrefersSentenceBoundaries(t *testing.T) {
	text := sampleText()
	chunks := New(WithChunkSize(300), WithOverlap(45)).Split(text)
	for _, ch := range chunks[:len(chunks)-1] {
		trimmed := strings.TrimSpace(ch.Text)
		assert.True(t, strings.HasSuffix(trimmed, "."), "chunk should end at a sentence: %q", trimmed)
	}
}

func TestSplit_ConsecutiveChunksOverlap(t *testing.T) {
	text := sampleText()
	chunks := New(WithChunkSize(300), WithOverlap(45)).Split(text)
	overlapping := 0
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Offset < chunks[i-1].End() {
			overlapping++
		}
	}
	assert.Greater(t, overlapping, 0)
}

func TestSplit_Deterministic(t *testing.T) {
	text := sampleText()
	c := New(WithChunkSize(250), WithOverlap(30))
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestSplit_NoWhitespace(t *testing.T) {
	text := strings.Repeat("x", 1050)
	chunks := New(WithChunkSize(200), WithOverlap(20)).Split(text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.Length, 200)
	}
	assert.Equal(t, text, reconstruct(text, chunks))
}

func TestSplit_MultibyteSafe(t *testing.T) {
	text := strings.Repeat("données chiffrées über alles ", 60)
	chunks := New(WithChunkSize(120), WithOverlap(20)).Split(text)
	for _, ch := range chunks {
		assert.True(t, strings.ToValidUTF8(ch.Text, "?") == ch.Text, "chunk split a rune: %q", ch.Text)
	}
	assert.Equal(t, strings.TrimSpace(text), strings.TrimSpace(reconstruct(text, chunks)))
}

package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker(t *testing.T, opts Options) *Chunker {
	t.Helper()
	c, err := NewChunker(opts)
	require.NoError(t, err)
	return c
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, DefaultMaxChars, opts.MaxChars)
	assert.Equal(t, DefaultOverlap, opts.Overlap)
}

func TestNewChunker_NormalizesOptions(t *testing.T) {
	c := newTestChunker(t, Options{MaxChars: 100, Overlap: 90})
	assert.Equal(t, 50, c.opts.Overlap, "overlap clamps to half the cap")

	c = newTestChunker(t, Options{MaxChars: -5, Overlap: -1})
	assert.Equal(t, DefaultMaxChars, c.opts.MaxChars)
	assert.Equal(t, 0, c.opts.Overlap)
}

func TestSplit_EmptyInput(t *testing.T) {
	c := newTestChunker(t, DefaultOptions())

	for _, input := range []string{"", "   ", "\n\t\n"} {
		chunks, err := c.Split(input)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, DefaultOptions())

	chunks, err := c.Split("Hello, searchable world.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "Hello, searchable world.", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len("Hello, searchable world."), chunks[0].EndOffset)
	assert.Greater(t, chunks[0].TokenCount, 0)
}

func TestSplit_PrefersParagraphBreaks(t *testing.T) {
	para1 := strings.Repeat("alpha beta gamma. ", 30)
	para2 := strings.Repeat("delta epsilon zeta. ", 27)
	text := para1 + "\n\n" + para2

	c := newTestChunker(t, Options{MaxChars: 700, Overlap: 0})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, strings.TrimSpace(para1), chunks[0].Content)
	assert.Equal(t, strings.TrimSpace(para2), chunks[1].Content)
}

func TestSplit_FallsBackToSentenceBreaks(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	text := strings.Repeat(sentence, 20)

	c := newTestChunker(t, Options{MaxChars: 500, Overlap: 0})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 500)
		assert.True(t, strings.HasSuffix(ch.Content, "dog."),
			"chunk should end on a sentence boundary, got %q", ch.Content[len(ch.Content)-20:])
	}
}

func TestSplit_HardCutWithoutSeparators(t *testing.T) {
	text := strings.Repeat("a", 2500)

	c := newTestChunker(t, Options{MaxChars: 1000, Overlap: 0})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Len(t, chunks[0].Content, 1000)
	assert.Len(t, chunks[1].Content, 1000)
	assert.Len(t, chunks[2].Content, 500)

	// Spans tile the source exactly when nothing is trimmed.
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, chunks[0].EndOffset, chunks[1].StartOffset)
	assert.Equal(t, chunks[1].EndOffset, chunks[2].StartOffset)
	assert.Equal(t, len(text), chunks[2].EndOffset)
}

func TestSplit_HardCutAlignsToRuneStart(t *testing.T) {
	// Two-byte runes with no separators force hard cuts; every cut must stay
	// on a rune boundary.
	text := strings.Repeat("é", 800)

	c := newTestChunker(t, Options{MaxChars: 333, Overlap: 0})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	total := 0
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content), "chunk %d splits a rune", ch.Index)
		total += len(ch.Content)
	}
	assert.Equal(t, len(text), total, "aligned cuts still tile the source")
}

func TestSplit_OverlapRereadsTail(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	text := strings.Repeat(sentence, 20)

	c := newTestChunker(t, Options{MaxChars: 400, Overlap: 100})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].EndOffset-100, chunks[i].StartOffset,
			"chunk %d should start 100 bytes before the previous cut", i)
	}
}

func TestSplit_IndexesAndTokenCounts(t *testing.T) {
	text := strings.Repeat("Numbers go up and to the right. ", 60)

	c := newTestChunker(t, Options{MaxChars: 300, Overlap: 50})

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Greater(t, ch.TokenCount, 0)
		assert.NotEmpty(t, ch.Content)
		assert.Less(t, ch.StartOffset, ch.EndOffset)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Same input, same output. ", 80)

	c := newTestChunker(t, Options{MaxChars: 350, Overlap: 60})

	first, err := c.Split(text)
	require.NoError(t, err)
	second, err := c.Split(text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

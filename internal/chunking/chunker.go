// Package chunking splits document text into bounded, overlapping chunks
// using scored break points. Candidate breaks are ranked by separator
// strength (paragraph, sentence, line, word) and by how close they fall to
// the chunk-size cap, so chunks stay near-uniform without splitting
// mid-sentence when a better boundary is in reach.
package chunking

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Break-type base scores. Higher score = stronger preference for splitting here.
const (
	scoreParagraph = 100
	scoreSentence  = 80
	scoreNewline   = 60
	scoreSpace     = 30
)

// Default sizing, in bytes of source text.
const (
	DefaultMaxChars = 1400
	DefaultOverlap  = 200
)

// Options controls chunk sizing.
type Options struct {
	// MaxChars caps the source span of one chunk.
	MaxChars int
	// Overlap is how much trailing context the next chunk re-reads.
	// Clamped to half of MaxChars.
	Overlap int
}

// DefaultOptions returns the standard sizing.
func DefaultOptions() Options {
	return Options{MaxChars: DefaultMaxChars, Overlap: DefaultOverlap}
}

// Chunk is one contiguous piece of a document body. StartOffset/EndOffset
// describe the source span; Content is that span with surrounding whitespace
// trimmed.
type Chunk struct {
	Content     string
	Index       int
	TokenCount  int
	StartOffset int
	EndOffset   int
}

// Chunker splits text and counts tokens with a cl100k_base codec, the
// encoding used by the OpenAI embedding model family.
type Chunker struct {
	codec tokenizer.Codec
	opts  Options
}

// NewChunker creates a chunker with the given options.
func NewChunker(opts Options) (*Chunker, error) {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap > opts.MaxChars/2 {
		opts.Overlap = opts.MaxChars / 2
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &Chunker{codec: codec, opts: opts}, nil
}

// Split breaks text into chunks. Whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []Chunk
	pos := 0

	for pos < len(text) {
		end := pos + c.opts.MaxChars
		if end >= len(text) {
			if err := c.appendChunk(&chunks, text, pos, len(text)); err != nil {
				return nil, err
			}
			break
		}

		cut := bestBreak(text, pos, end)
		if cut <= pos {
			cut = end
		}
		if err := c.appendChunk(&chunks, text, pos, cut); err != nil {
			return nil, err
		}

		next := alignRuneStart(text, cut-c.opts.Overlap)
		if next <= pos {
			next = cut
		}
		pos = next
	}

	return chunks, nil
}

// appendChunk materializes one chunk, skipping whitespace-only spans.
func (c *Chunker) appendChunk(chunks *[]Chunk, text string, start, end int) error {
	content := strings.TrimSpace(text[start:end])
	if content == "" {
		return nil
	}

	ids, _, err := c.codec.Encode(content)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	count := len(ids)

	*chunks = append(*chunks, Chunk{
		Content:     content,
		Index:       len(*chunks),
		TokenCount:  count,
		StartOffset: start,
		EndOffset:   end,
	})
	return nil
}

// bestBreak picks the cut position in (start, limit] with the highest
// effective score. Only the second half of the window is scanned so chunks
// never shrink below half the cap. With no separator in reach, the cut lands
// hard on the limit.
func bestBreak(text string, start, limit int) int {
	window := float64(limit-start) / 2.0
	minPos := start + (limit-start)/2

	bestCut := limit
	bestScore := 0.0

	for i := minPos; i < limit; i++ {
		var base float64
		var cut int

		switch {
		case text[i] == '\n' && i+1 < len(text) && text[i+1] == '\n':
			base, cut = scoreParagraph, i+2
		case isSentenceEnd(text, i):
			base, cut = scoreSentence, i+2
		case text[i] == '\n':
			base, cut = scoreNewline, i+1
		case text[i] == ' ':
			base, cut = scoreSpace, i+1
		default:
			continue
		}
		if cut > limit {
			cut = limit
		}

		score := applyDecay(base, limit-cut, window)
		if score > bestScore || (score == bestScore && cut > bestCut) {
			bestScore = score
			bestCut = cut
		}
	}

	// A hard cut at the limit can land inside a multi-byte rune; the scored
	// separators are all ASCII and never do.
	return alignRuneStart(text, bestCut)
}

// alignRuneStart backs i up to the start of the rune it falls inside.
func alignRuneStart(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// isSentenceEnd reports whether position i ends a sentence: a terminator
// followed by whitespace.
func isSentenceEnd(text string, i int) bool {
	switch text[i] {
	case '.', '!', '?':
	default:
		return false
	}
	if i+1 >= len(text) {
		return true
	}
	next := text[i+1]
	return next == ' ' || next == '\n' || next == '\t'
}

// applyDecay returns baseScore reduced by a squared-distance factor, clamped
// to at least 30% of the base so distant strong separators still beat nearby
// weak ones.
func applyDecay(baseScore float64, dist int, window float64) float64 {
	if window <= 0 {
		return baseScore
	}
	decay := 1.0 - math.Pow(float64(dist)/window, 2)*0.7
	if decay < 0.3 {
		decay = 0.3
	}
	return baseScore * decay
}

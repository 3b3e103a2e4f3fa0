package pipeline

import (
	"context"
	"fmt"

	"github.com/stackmere/bindery/internal/chunking"
)

// TextChunk splits body material into chunk entries sized for embedding.
// Titles and summaries stay whole; each chunk records its source kind and
// token count for the dispatch metadata.
type TextChunk struct {
	chunker *chunking.Chunker
}

// NewTextChunk builds the chunking step with explicit bounds.
func NewTextChunk(opts chunking.Options) (*TextChunk, error) {
	chunker, err := chunking.NewChunker(opts)
	if err != nil {
		return nil, err
	}
	return &TextChunk{chunker: chunker}, nil
}

// Name implements Processor.
func (*TextChunk) Name() string { return "text_chunk" }

// Process implements Processor.
func (t *TextChunk) Process(_ context.Context, bag *Bag) error {
	var produced []Entry
	for _, e := range bag.Entries() {
		switch e.Kind {
		case KindBody, KindPDFText, KindWebPage:
		default:
			continue
		}

		chunks, err := t.chunker.Split(e.Text)
		if err != nil {
			return fmt.Errorf("chunk %s entry: %w", e.Kind, err)
		}
		for _, c := range chunks {
			meta := map[string]any{
				"source_kind": e.Kind,
				"token_count": c.TokenCount,
			}
			for _, key := range []string{"url", "name", "source_uri"} {
				if v := e.MetaString(key); v != "" {
					meta[key] = v
				}
			}
			produced = append(produced, Entry{
				Kind:          KindChunk,
				Text:          c.Content,
				EmbeddingType: EmbedTypeChunk,
				Meta:          meta,
			})
		}
	}

	for _, e := range produced {
		bag.Add(e)
	}
	return nil
}

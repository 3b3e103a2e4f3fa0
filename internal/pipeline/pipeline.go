package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackmere/bindery/internal/chunking"
	"github.com/stackmere/bindery/internal/embedding"
	"github.com/stackmere/bindery/internal/tasks"
)

// Processor is one step in the chain. Implementations add or transform bag
// entries; they must leave entries they do not recognize in place.
type Processor interface {
	Name() string
	Process(ctx context.Context, bag *Bag) error
}

// BatchEnqueuer inserts the embed task the dispatch step emits. Implemented
// by the task store wiring in the handlers package.
type BatchEnqueuer interface {
	EnqueueEmbedBatch(ctx context.Context, payload tasks.EmbedAndStoreBatchPayload) error
}

// Pipeline runs processors in registration order. A processor error aborts
// the run; the caller (a task handler) routes it into the scheduler's retry
// path, and a rerun rebuilds the bag from the stored source, so no partial
// state needs undoing here.
type Pipeline struct {
	procs []Processor
}

// New assembles a pipeline from an explicit processor list.
func New(procs ...Processor) *Pipeline {
	return &Pipeline{procs: procs}
}

// Run pushes the bag through every processor.
func (p *Pipeline) Run(ctx context.Context, bag *Bag) error {
	start := time.Now()

	for _, proc := range p.procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := proc.Process(ctx, bag); err != nil {
			return fmt.Errorf("pipeline step %s: %w", proc.Name(), err)
		}
	}

	log.Debug().
		Int64("document_id", bag.DocumentID).
		Int("entries", bag.Len()).
		Int("steps", len(p.procs)).
		Dur("elapsed", time.Since(start)).
		Msg("Pipeline run complete")
	return nil
}

// StandardConfig configures the default processor chain.
type StandardConfig struct {
	// Enqueuer receives the embed batch from the terminal dispatch step.
	Enqueuer BatchEnqueuer

	// Summarizer enables the LLM summary step; nil skips it.
	Summarizer embedding.Summarizer

	// EmbedTypes is the dispatch allow-list. Empty means the default set
	// (title, chunk, summary).
	EmbedTypes []string

	// Chunking bounds. Zero values fall back to the chunking defaults.
	ChunkSize    int
	ChunkOverlap int

	// Web fetch bounds. MaxURLs <= 0 disables the fetch step.
	WebFetchMaxURLs  int
	WebFetchTimeout  time.Duration
	WebFetchMaxBytes int64
}

// Standard builds the stock chain: scrub, title, pdf extraction, web fetch,
// summary, chunking, dispatch.
func Standard(cfg StandardConfig) (*Pipeline, error) {
	if cfg.Enqueuer == nil {
		return nil, fmt.Errorf("pipeline: enqueuer is required")
	}

	chunkStep, err := NewTextChunk(chunking.Options{
		MaxChars: cfg.ChunkSize,
		Overlap:  cfg.ChunkOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	embedTypes := cfg.EmbedTypes
	if len(embedTypes) == 0 {
		embedTypes = []string{EmbedTypeTitle, EmbedTypeChunk, EmbedTypeSummary}
	}

	procs := []Processor{
		SecretScrub{},
		TitleExtract{},
		PDFExtract{},
	}
	if cfg.WebFetchMaxURLs > 0 {
		procs = append(procs, NewWebFetch(WebFetchConfig{
			MaxURLs:  cfg.WebFetchMaxURLs,
			Timeout:  cfg.WebFetchTimeout,
			MaxBytes: cfg.WebFetchMaxBytes,
		}))
	}
	procs = append(procs,
		LLMSummary{Summarizer: cfg.Summarizer},
		chunkStep,
		&EmbeddingDispatch{Enqueuer: cfg.Enqueuer, AllowTypes: embedTypes},
	)

	return New(procs...), nil
}

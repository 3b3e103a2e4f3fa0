package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/stackmere/bindery/internal/embedding"
)

const (
	// summaryMinChars skips the LLM call for bodies too short to need an
	// abstract.
	summaryMinChars = 400

	// summaryInputLimit caps how much source text goes to the summarizer.
	summaryInputLimit = 16000
)

// LLMSummary adds an abstract of the document body as a summary entry.
// Deployments without an LLM leave Summarizer nil and the step is a no-op.
type LLMSummary struct {
	Summarizer embedding.Summarizer
}

// Name implements Processor.
func (LLMSummary) Name() string { return "llm_summary" }

// Process implements Processor.
func (s LLMSummary) Process(ctx context.Context, bag *Bag) error {
	if s.Summarizer == nil || bag.HasKind(KindSummary) {
		return nil
	}

	var parts []string
	for _, e := range bag.Entries() {
		if e.Kind != KindBody && e.Kind != KindPDFText {
			continue
		}
		parts = append(parts, e.Text)
	}
	source := strings.Join(parts, "\n\n")
	if len(source) < summaryMinChars {
		return nil
	}
	source = clipRunes(source, summaryInputLimit)

	summary, err := s.Summarizer.Summarize(ctx, source)
	if err != nil {
		return fmt.Errorf("summarize document %d: %w", bag.DocumentID, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}

	bag.Add(Entry{
		Kind:          KindSummary,
		Text:          summary,
		EmbeddingType: EmbedTypeSummary,
		Meta:          map[string]any{"source_chars": len(source)},
	})
	return nil
}

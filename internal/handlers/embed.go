package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/stackmere/bindery/internal/config"
	"github.com/stackmere/bindery/internal/embedding"
	"github.com/stackmere/bindery/internal/scheduler"
	"github.com/stackmere/bindery/internal/tasks"
	"github.com/stackmere/bindery/internal/vector/pgvector"
)

// EmbedAndStoreBatch turns a dispatched text batch into chunk rows. Content
// over the length guard never reaches the provider: it is stored unembedded
// under a sentinel model so keyword search still finds it. A provider error
// for the whole call is transient and retries the task; per-item anomalies
// degrade just that item to a sentinel row instead of poisoning the batch.
func (h *Handlers) EmbedAndStoreBatch(ctx context.Context, ec *scheduler.ExecContext, payload json.RawMessage) error {
	var p tasks.EmbedAndStoreBatchPayload
	if err := tasks.DecodePayload(payload, &p); err != nil {
		return tasks.Permanent(err)
	}
	if p.DocumentID <= 0 {
		return tasks.Permanentf("embed_and_store_batch: document_id is required")
	}
	if len(p.TextsToEmbed) != len(p.EmbeddingMetadataList) {
		return tasks.Permanentf("embed_and_store_batch: %d texts but %d metadata entries",
			len(p.TextsToEmbed), len(p.EmbeddingMetadataList))
	}
	if ec.Embedder == nil {
		return tasks.Permanentf("embed_and_store_batch: no embedding port configured")
	}

	maxChars := config.Get().MaxEmbedChars

	chunks := make([]pgvector.Chunk, len(p.TextsToEmbed))
	var embedPos []int
	var embedTexts []string

	for i, text := range p.TextsToEmbed {
		md := p.EmbeddingMetadataList[i]
		if md.DocumentID != 0 && md.DocumentID != p.DocumentID {
			return tasks.Permanentf("embed_and_store_batch: metadata %d targets document %d, batch is for %d",
				i, md.DocumentID, p.DocumentID)
		}

		chunks[i] = pgvector.Chunk{
			DocumentID:    p.DocumentID,
			ChunkIndex:    md.ChunkIndex,
			EmbeddingType: md.EmbeddingType,
			TokenCount:    md.TokenCount,
			Content:       text,
		}

		if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
			chunks[i].Model = embedding.SentinelTooLong
			continue
		}
		embedPos = append(embedPos, i)
		embedTexts = append(embedTexts, text)
	}

	if len(embedTexts) > 0 {
		vectors, model, err := ec.Embedder.GenerateEmbeddings(ctx, embedTexts)
		if err != nil {
			return fmt.Errorf("generate embeddings for document %d: %w", p.DocumentID, err)
		}

		dims := ec.Embedder.Dimensions()
		for j, pos := range embedPos {
			switch {
			case j >= len(vectors) || len(vectors[j]) == 0:
				chunks[pos].Model = embedding.SentinelEmptyResult
			case dims > 0 && len(vectors[j]) != dims:
				chunks[pos].Model = embedding.SentinelProviderError
			default:
				chunks[pos].Embedding = vectors[j]
				chunks[pos].Model = model
			}
		}
	}

	if p.ReplaceExisting {
		if err := ec.Vectors.ReplaceForDocument(ctx, p.DocumentID, chunks); err != nil {
			return fmt.Errorf("replace chunks for document %d: %w", p.DocumentID, err)
		}
	} else if len(chunks) > 0 {
		if err := ec.Vectors.AddEmbeddings(ctx, chunks); err != nil {
			return fmt.Errorf("store chunks for document %d: %w", p.DocumentID, err)
		}
	}

	if err := ec.Documents.MarkIndexed(ctx, p.DocumentID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark document %d indexed: %w", p.DocumentID, err)
	}

	unembedded := 0
	for i := range chunks {
		if embedding.IsSentinel(chunks[i].Model) {
			unembedded++
		}
	}
	log.Info().
		Int64("document_id", p.DocumentID).
		Int("chunks", len(chunks)).
		Int("unembedded", unembedded).
		Bool("replace", p.ReplaceExisting).
		Msg("Stored embedded chunk batch")
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stackmere/bindery/internal/tasks"
)

// EmbeddingDispatch is the terminal step. It filters the bag by the
// embedding-type allow-list and emits the survivors as one
// embed_and_store_batch task, so ingestion commits quickly and the provider
// call gets its own retry budget. The batch always replaces the document's
// chunk set, which is what makes a pipeline rerun idempotent.
type EmbeddingDispatch struct {
	Enqueuer   BatchEnqueuer
	AllowTypes []string
}

// Name implements Processor.
func (*EmbeddingDispatch) Name() string { return "embedding_dispatch" }

// Process implements Processor.
func (d *EmbeddingDispatch) Process(ctx context.Context, bag *Bag) error {
	if d.Enqueuer == nil {
		return fmt.Errorf("embedding dispatch: no enqueuer wired")
	}

	allowed := make(map[string]struct{}, len(d.AllowTypes))
	for _, t := range d.AllowTypes {
		allowed[t] = struct{}{}
	}

	payload := tasks.EmbedAndStoreBatchPayload{
		DocumentID:      bag.DocumentID,
		ReplaceExisting: true,
	}

	// Chunk indexes count up per embedding type, matching the storage
	// uniqueness triple (document, index, type).
	counters := make(map[string]int, len(d.AllowTypes))
	for _, e := range bag.Entries() {
		if e.EmbeddingType == "" || strings.TrimSpace(e.Text) == "" {
			continue
		}
		if _, ok := allowed[e.EmbeddingType]; !ok {
			continue
		}

		idx := counters[e.EmbeddingType]
		counters[e.EmbeddingType] = idx + 1

		payload.TextsToEmbed = append(payload.TextsToEmbed, e.Text)
		payload.EmbeddingMetadataList = append(payload.EmbeddingMetadataList, tasks.EmbeddingMetadata{
			DocumentID:    bag.DocumentID,
			ChunkIndex:    idx,
			EmbeddingType: e.EmbeddingType,
			TokenCount:    e.MetaInt("token_count"),
		})
	}

	// An empty batch still goes out: on a reindex it is what clears the
	// stale chunk set of a document whose content went away.
	if err := d.Enqueuer.EnqueueEmbedBatch(ctx, payload); err != nil {
		return fmt.Errorf("enqueue embed batch for document %d: %w", bag.DocumentID, err)
	}
	bag.Tags["dispatch.texts"] = strconv.Itoa(len(payload.TextsToEmbed))
	return nil
}

// Package tasks defines the shared task vocabulary: type keys, payload
// contracts and the error taxonomy used by the store, scheduler and handlers.
package tasks

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Task status values. A row moves pending -> running -> {done | pending | failed};
// done and failed are terminal for the row.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Built-in task types. The registry is open: applications may register
// handlers for their own type keys alongside these.
const (
	TypeProcessUploadedDocument = "process_uploaded_document"
	TypeEmbedAndStoreBatch      = "embed_and_store_batch"
	TypeIndexEmail              = "index_email"
	TypeIndexNote               = "index_note"
	TypeReindexDocument         = "reindex_document"
)

// Content part kinds accepted by process_uploaded_document.
const (
	PartText = "text"
	PartPDF  = "pdf"
	PartURL  = "url"
)

// ContentPart is one piece of source material attached to an upload.
// Text parts carry the body inline; pdf and url parts carry a URI.
type ContentPart struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// ProcessUploadedDocumentPayload drives the indexing pipeline for a freshly
// uploaded document.
type ProcessUploadedDocumentPayload struct {
	DocumentID   int64         `json:"document_id"`
	ContentParts []ContentPart `json:"content_parts"`
}

// EmbeddingMetadata describes one text in an embed batch: where the resulting
// chunk row belongs and how it is tagged.
type EmbeddingMetadata struct {
	DocumentID    int64  `json:"document_id"`
	ChunkIndex    int    `json:"chunk_index"`
	EmbeddingType string `json:"embedding_type"`
	TokenCount    int    `json:"token_count,omitempty"`
}

// EmbedAndStoreBatchPayload carries the pipeline output to the embedding
// handler. TextsToEmbed and EmbeddingMetadataList are parallel slices.
// When ReplaceExisting is set the handler atomically replaces the document's
// whole chunk set instead of upserting into it.
type EmbedAndStoreBatchPayload struct {
	DocumentID            int64               `json:"document_id"`
	TextsToEmbed          []string            `json:"texts_to_embed"`
	EmbeddingMetadataList []EmbeddingMetadata `json:"embedding_metadata_list"`
	ReplaceExisting       bool                `json:"replace_existing"`
}

// IndexEmailPayload indexes a previously stored email source.
type IndexEmailPayload struct {
	EmailID string `json:"email_id"`
}

// IndexNotePayload indexes a previously stored note source.
type IndexNotePayload struct {
	NoteID string `json:"note_id"`
}

// ReindexDocumentPayload rebuilds a document's chunk set from its stored body.
type ReindexDocumentPayload struct {
	DocumentID int64 `json:"document_id"`
}

// EncodePayload serializes a payload struct for storage on a task row.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a stored task payload. Handlers should treat a
// decode failure as permanent: the bytes will not improve on retry.
func DecodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}

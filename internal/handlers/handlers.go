// Package handlers implements the built-in task handlers: document indexing
// through the pipeline, embedding batches into the vector store, and the
// externally keyed email/note index entry points.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/pipeline"
	"github.com/stackmere/bindery/internal/scheduler"
	"github.com/stackmere/bindery/internal/tasks"
)

// Handlers bundles the built-in handlers around one indexing pipeline.
type Handlers struct {
	pipeline *pipeline.Pipeline
}

// New creates the handler bundle. The pipeline's terminal dispatch step must
// already be wired to a batch enqueuer.
func New(pipe *pipeline.Pipeline) *Handlers {
	return &Handlers{pipeline: pipe}
}

// RegisterAll binds every built-in task type into the registry.
func (h *Handlers) RegisterAll(reg *scheduler.Registry) error {
	bindings := []struct {
		taskType string
		handler  scheduler.Handler
	}{
		{tasks.TypeProcessUploadedDocument, h.ProcessUploadedDocument},
		{tasks.TypeEmbedAndStoreBatch, h.EmbedAndStoreBatch},
		{tasks.TypeIndexEmail, h.IndexEmail},
		{tasks.TypeIndexNote, h.IndexNote},
		{tasks.TypeReindexDocument, h.ReindexDocument},
	}
	for _, b := range bindings {
		if err := reg.Register(b.taskType, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// ProcessUploadedDocument runs the indexing pipeline over a fresh upload:
// the stored body plus whatever content parts came with it.
func (h *Handlers) ProcessUploadedDocument(ctx context.Context, ec *scheduler.ExecContext, payload json.RawMessage) error {
	var p tasks.ProcessUploadedDocumentPayload
	if err := tasks.DecodePayload(payload, &p); err != nil {
		return tasks.Permanent(err)
	}
	if p.DocumentID <= 0 {
		return tasks.Permanentf("process_uploaded_document: document_id is required")
	}

	doc, err := ec.Documents.GetDocument(ctx, p.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", p.DocumentID, err)
	}
	if doc == nil {
		return tasks.Permanentf("process_uploaded_document: document %d not found", p.DocumentID)
	}

	body, err := ec.Documents.GetBody(ctx, p.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %d body: %w", p.DocumentID, err)
	}

	return h.runPipeline(ctx, ec, doc, body, p.ContentParts)
}

// ReindexDocument rebuilds a document's chunk set from its stored body.
// Content parts from the original upload are not persisted, so a reindex
// covers the durable material only.
func (h *Handlers) ReindexDocument(ctx context.Context, ec *scheduler.ExecContext, payload json.RawMessage) error {
	var p tasks.ReindexDocumentPayload
	if err := tasks.DecodePayload(payload, &p); err != nil {
		return tasks.Permanent(err)
	}
	if p.DocumentID <= 0 {
		return tasks.Permanentf("reindex_document: document_id is required")
	}

	doc, err := ec.Documents.GetDocument(ctx, p.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", p.DocumentID, err)
	}
	if doc == nil {
		return tasks.Permanentf("reindex_document: document %d not found", p.DocumentID)
	}

	body, err := ec.Documents.GetBody(ctx, p.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %d body: %w", p.DocumentID, err)
	}

	return h.runPipeline(ctx, ec, doc, body, nil)
}

// IndexEmail indexes a previously stored email by its external id.
func (h *Handlers) IndexEmail(ctx context.Context, ec *scheduler.ExecContext, payload json.RawMessage) error {
	var p tasks.IndexEmailPayload
	if err := tasks.DecodePayload(payload, &p); err != nil {
		return tasks.Permanent(err)
	}
	return h.indexBySource(ctx, ec, gormdb.SourceEmail, p.EmailID)
}

// IndexNote indexes a previously stored note by its external id.
func (h *Handlers) IndexNote(ctx context.Context, ec *scheduler.ExecContext, payload json.RawMessage) error {
	var p tasks.IndexNotePayload
	if err := tasks.DecodePayload(payload, &p); err != nil {
		return tasks.Permanent(err)
	}
	return h.indexBySource(ctx, ec, gormdb.SourceNote, p.NoteID)
}

func (h *Handlers) indexBySource(ctx context.Context, ec *scheduler.ExecContext, sourceType, sourceID string) error {
	if sourceID == "" {
		return tasks.Permanentf("index %s: source id is required", sourceType)
	}

	doc, err := ec.Documents.ResolveBySource(ctx, sourceType, sourceID, "")
	if err != nil {
		return fmt.Errorf("resolve %s %s: %w", sourceType, sourceID, err)
	}

	body, err := ec.Documents.GetBody(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load %s %s body: %w", sourceType, sourceID, err)
	}
	if body == "" {
		// The source row exists but its body was never stored. Retrying
		// cannot conjure it.
		return tasks.Permanentf("index %s %s: document %d has no stored body", sourceType, sourceID, doc.ID)
	}

	return h.runPipeline(ctx, ec, doc, body, nil)
}

// runPipeline seeds the content bag and pushes it through the processors.
// A stored title rides along so the title embedding survives reindexes that
// no longer have the original upload's parts. A title derived during the run
// is written back so the next reindex starts from it.
func (h *Handlers) runPipeline(ctx context.Context, ec *scheduler.ExecContext, doc *gormdb.Document, body string, parts []tasks.ContentPart) error {
	bag := pipeline.FromParts(doc.ID, body, parts)
	hadTitle := doc.Title.Valid && doc.Title.String != ""
	if hadTitle {
		bag.Add(pipeline.Entry{
			Kind: pipeline.KindTitle,
			Text: doc.Title.String,
			Meta: map[string]any{"source": "document"},
		})
	}

	if err := h.pipeline.Run(ctx, bag); err != nil {
		return err
	}

	if !hadTitle {
		if titles := bag.ByKind(pipeline.KindTitle); len(titles) > 0 && titles[0].Text != "" {
			if err := ec.Documents.SetTitle(ctx, doc.ID, titles[0].Text); err != nil {
				return fmt.Errorf("store derived title for document %d: %w", doc.ID, err)
			}
		}
	}
	return nil
}

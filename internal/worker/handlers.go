package worker

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stackmere/bindery/internal/config"
	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/embedding"
	"github.com/stackmere/bindery/internal/maintenance"
	"github.com/stackmere/bindery/internal/privacy"
	"github.com/stackmere/bindery/internal/recurrence"
	"github.com/stackmere/bindery/internal/scheduler"
	"github.com/stackmere/bindery/internal/search"
	"github.com/stackmere/bindery/internal/tasks"
)

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

// writeJSONStatus writes a JSON response with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Default page sizes for the list endpoints.
const (
	DefaultTasksLimit     = 50
	DefaultDocumentsLimit = 50
)

// handleHealth answers immediately, even during initialization, so process
// supervisors can tell "starting" from "gone".
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"version": s.version,
	})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

// handleReady returns 200 only when initialization has finished and the
// database still answers a ping.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			http.Error(w, "database unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 until initialization finishes,
// or 500 once it has failed.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TaskView is the API shape of a task row. Nullable lease and outcome columns
// flatten to optional fields instead of leaking sql.Null wrappers.
type TaskView struct {
	TaskID         string          `json:"task_id"`
	OriginalTaskID string          `json:"original_task_id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	RecurrenceRule string          `json:"recurrence_rule,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	AnchorAt       time.Time       `json:"anchor_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func taskView(t *gormdb.Task) TaskView {
	v := TaskView{
		TaskID:         t.TaskID,
		OriginalTaskID: t.OriginalTaskID,
		Type:           t.Type,
		Status:         t.Status,
		Payload:        json.RawMessage(t.Payload),
		RecurrenceRule: t.RecurrenceRule.String,
		LeaseOwner:     t.LeaseOwner.String,
		LastError:      t.LastError.String,
		ScheduledAt:    t.ScheduledAt,
		AnchorAt:       t.AnchorAt,
		RetryCount:     t.RetryCount,
		MaxRetries:     t.MaxRetries,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.LeaseExpiresAt.Valid {
		at := t.LeaseExpiresAt.Time
		v.LeaseExpiresAt = &at
	}
	if t.CompletedAt.Valid {
		at := t.CompletedAt.Time
		v.CompletedAt = &at
	}
	return v
}

// EnqueueTaskRequest is the request body for enqueueing a task.
type EnqueueTaskRequest struct {
	TaskID         string          `json:"task_id,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	RecurrenceRule string          `json:"recurrence_rule,omitempty"`
}

// handleEnqueueTask inserts a pending task. Supplying a task_id makes the
// call idempotent: re-posting the same id returns 409 instead of a twin.
func (s *Service) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Type) == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.RecurrenceRule != "" {
		if err := recurrence.Validate(req.RecurrenceRule); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	task := &gormdb.Task{
		TaskID:     req.TaskID,
		Type:       req.Type,
		MaxRetries: s.maxRetries(req.MaxRetries),
	}
	if len(req.Payload) > 0 {
		task.Payload = string(req.Payload)
	}
	if req.ScheduledAt != nil {
		task.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.RecurrenceRule != "" {
		task.RecurrenceRule = sql.NullString{String: req.RecurrenceRule, Valid: true}
	}

	if err := s.tasks.Enqueue(r.Context(), task); err != nil {
		if errors.Is(err, tasks.ErrDuplicateTask) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notifyWake()

	log.Info().
		Str("task_id", task.TaskID).
		Str("type", task.Type).
		Time("scheduled_at", task.ScheduledAt).
		Msg("Task enqueued")

	writeJSONStatus(w, http.StatusCreated, taskView(task))
}

// handleListTasks returns tasks newest first with optional status and type
// filters.
func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", tasks.StatusPending, tasks.StatusRunning, tasks.StatusDone, tasks.StatusFailed:
	default:
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}
	taskType := r.URL.Query().Get("type")
	pagination := gormdb.ParsePaginationParams(r, DefaultTasksLimit)

	rows, err := s.tasks.ListTasks(r.Context(), status, taskType, pagination.Limit, pagination.Offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]TaskView, 0, len(rows))
	for i := range rows {
		views = append(views, taskView(&rows[i]))
	}
	writeJSON(w, map[string]any{
		"tasks": views,
		"count": len(views),
	})
}

// handleGetTask returns a single task by id.
func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, taskView(task))
}

// RetryTaskRequest optionally reschedules the retry for a later time.
type RetryTaskRequest struct {
	RunAt *time.Time `json:"run_at,omitempty"`
}

// handleRetryTask puts a failed task back in the queue with a reset retry
// budget. Only failed tasks qualify; anything else is a conflict.
func (s *Service) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RetryTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runAt := time.Now().UTC()
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}

	if err := s.tasks.RescheduleForRetry(r.Context(), id, runAt); err != nil {
		switch {
		case errors.Is(err, tasks.ErrTaskNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, tasks.ErrNotRetryable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	s.notifyWake()

	log.Info().Str("task_id", id).Time("run_at", runAt).Msg("Task manually rescheduled")

	writeJSON(w, map[string]any{
		"task_id": id,
		"status":  tasks.StatusPending,
		"run_at":  runAt,
	})
}

// DocumentView is the API shape of a document row.
type DocumentView struct {
	ID          int64           `json:"id"`
	SourceType  string          `json:"source_type"`
	SourceID    string          `json:"source_id,omitempty"`
	SourceURI   string          `json:"source_uri,omitempty"`
	Title       string          `json:"title,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IndexedAt   *time.Time      `json:"indexed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func docView(d *gormdb.Document) DocumentView {
	v := DocumentView{
		ID:          d.ID,
		SourceType:  d.SourceType,
		SourceID:    d.SourceID.String,
		SourceURI:   d.SourceURI.String,
		Title:       d.Title.String,
		ContentHash: d.ContentHash.String,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Metadata.Valid {
		v.Metadata = json.RawMessage(d.Metadata.String)
	}
	if d.IndexedAt.Valid {
		at := d.IndexedAt.Time
		v.IndexedAt = &at
	}
	return v
}

// ChunkView is the API shape of a stored chunk. Embedded is false for
// sentinel rows kept for keyword search without a vector; the raw vector is
// never returned.
type ChunkView struct {
	ChunkIndex    int            `json:"chunk_index"`
	EmbeddingType string         `json:"embedding_type"`
	Model         string         `json:"model"`
	Content       string         `json:"content"`
	TokenCount    int            `json:"token_count,omitempty"`
	Embedded      bool           `json:"embedded"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CreateDocumentRequest is the request body for document ingestion. A body,
// content parts, or both must be present. Supplying source_id makes ingestion
// idempotent per (source_type, source_id).
type CreateDocumentRequest struct {
	Title        string              `json:"title,omitempty"`
	SourceType   string              `json:"source_type,omitempty"`
	SourceID     string              `json:"source_id,omitempty"`
	SourceURI    string              `json:"source_uri,omitempty"`
	Metadata     json.RawMessage     `json:"metadata,omitempty"`
	Body         string              `json:"body,omitempty"`
	ContentParts []tasks.ContentPart `json:"content_parts,omitempty"`
	MaxRetries   *int                `json:"max_retries,omitempty"`
}

// CreateDocumentResponse returns the stored document and the indexing task
// that will process it.
type CreateDocumentResponse struct {
	Document DocumentView `json:"document"`
	TaskID   string       `json:"task_id"`
}

// validateContentParts rejects parts the pipeline cannot route.
func validateContentParts(parts []tasks.ContentPart) error {
	for i, p := range parts {
		switch p.Kind {
		case tasks.PartText:
			if p.Text == "" {
				return errItem(i, "text part requires text")
			}
		case tasks.PartPDF, tasks.PartURL:
			if p.URI == "" {
				return errItem(i, "part requires uri")
			}
		default:
			return errItem(i, "unknown part kind "+strconv.Quote(p.Kind))
		}
	}
	return nil
}

func errItem(i int, msg string) error {
	return errors.New("content_parts[" + strconv.Itoa(i) + "]: " + msg)
}

// handleCreateDocument stores a document and queues it for indexing. The
// response is 202: the chunk rows appear once the pipeline task has run.
func (s *Service) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Body == "" && len(req.ContentParts) == 0 {
		http.Error(w, "body or content_parts is required", http.StatusBadRequest)
		return
	}
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = gormdb.SourceUpload
	}
	if err := ValidateSourceType(sourceType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateContentParts(req.ContentParts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var doc *gormdb.Document
	if req.SourceID != "" {
		// Externally keyed ingest converges on one document per
		// (source_type, source_id); re-posting the same source re-indexes it.
		resolved, err := s.documents.ResolveBySource(r.Context(), sourceType, req.SourceID, req.Title)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		doc = resolved
	} else {
		doc = &gormdb.Document{SourceType: sourceType}
		if req.Title != "" {
			doc.Title = sql.NullString{String: req.Title, Valid: true}
		}
		if req.SourceURI != "" {
			doc.SourceURI = sql.NullString{String: req.SourceURI, Valid: true}
		}
		if len(req.Metadata) > 0 {
			doc.Metadata = sql.NullString{String: string(req.Metadata), Valid: true}
		}
		if err := s.documents.CreateDocument(r.Context(), doc); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if req.Body != "" {
		if _, err := s.documents.UpsertBody(r.Context(), doc.ID, req.Body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	payload, err := tasks.EncodePayload(tasks.ProcessUploadedDocumentPayload{
		DocumentID:   doc.ID,
		ContentParts: req.ContentParts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	task := &gormdb.Task{
		Type:       tasks.TypeProcessUploadedDocument,
		Payload:    string(payload),
		MaxRetries: s.maxRetries(req.MaxRetries),
	}
	if err := s.tasks.Enqueue(r.Context(), task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notifyWake()

	secretFields := []string{req.Title, req.Body}
	for _, p := range req.ContentParts {
		secretFields = append(secretFields, p.Text)
	}
	if privacy.ContainsSecretsAny(secretFields...) {
		log.Warn().
			Int64("document_id", doc.ID).
			Msg("Document contains potential secrets, indexing will redact them")
	}

	log.Info().
		Int64("document_id", doc.ID).
		Str("task_id", task.TaskID).
		Str("source_type", sourceType).
		Msg("Document accepted for indexing")

	writeJSONStatus(w, http.StatusAccepted, CreateDocumentResponse{
		Document: docView(doc),
		TaskID:   task.TaskID,
	})
}

// handleListDocuments returns documents newest first with an optional source
// type filter.
func (s *Service) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sourceType := r.URL.Query().Get("source_type")
	if err := ValidateSourceType(sourceType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pagination := gormdb.ParsePaginationParams(r, DefaultDocumentsLimit)

	rows, err := s.documents.ListDocuments(r.Context(), sourceType, pagination.Limit, pagination.Offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]DocumentView, 0, len(rows))
	for i := range rows {
		views = append(views, docView(&rows[i]))
	}
	writeJSON(w, map[string]any{
		"documents": views,
		"count":     len(views),
	})
}

// DocumentDetailResponse bundles a document with its stored chunks.
type DocumentDetailResponse struct {
	Document   DocumentView `json:"document"`
	Chunks     []ChunkView  `json:"chunks"`
	ChunkCount int          `json:"chunk_count"`
	Body       string       `json:"body,omitempty"`
}

// handleGetDocument returns a document with its chunk rows, sentinel rows
// included. Pass include_body=true to also return the stored body.
func (s *Service) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	chunks, err := s.chunks.FetchByDocument(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, ChunkView{
			ChunkIndex:    c.ChunkIndex,
			EmbeddingType: c.EmbeddingType,
			Model:         c.Model,
			Content:       c.Content,
			TokenCount:    c.TokenCount,
			Embedded:      !embedding.IsSentinel(c.Model),
			Metadata:      c.Metadata,
		})
	}

	resp := DocumentDetailResponse{
		Document:   docView(doc),
		Chunks:     views,
		ChunkCount: len(views),
	}
	if include, _ := strconv.ParseBool(r.URL.Query().Get("include_body")); include {
		body, err := s.documents.GetBody(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Body = body
	}
	writeJSON(w, resp)
}

// handleReindexDocument queues a rebuild of the document's chunk set from its
// stored body. Documents without a stored body have nothing to rebuild from,
// so the request is rejected instead of queueing a task that must fail.
func (s *Service) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	body, err := s.documents.GetBody(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if body == "" {
		http.Error(w, "document has no stored body to reindex", http.StatusConflict)
		return
	}

	payload, err := tasks.EncodePayload(tasks.ReindexDocumentPayload{DocumentID: id})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	task := &gormdb.Task{
		Type:       tasks.TypeReindexDocument,
		Payload:    string(payload),
		MaxRetries: s.maxRetries(nil),
	}
	if err := s.tasks.Enqueue(r.Context(), task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notifyWake()

	writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"document_id": id,
		"task_id":     task.TaskID,
	})
}

// SearchRequest is the request body for hybrid search.
type SearchRequest struct {
	Query          string   `json:"query"`
	SourceType     string   `json:"source_type,omitempty"`
	SourceID       string   `json:"source_id,omitempty"`
	EmbeddingTypes []string `json:"embedding_types,omitempty"`
	DocumentID     int64    `json:"document_id,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// handleSearch runs a hybrid search over the stored chunks.
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	results, err := s.search.Search(r.Context(), search.Params{
		Query:          req.Query,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		EmbeddingTypes: req.EmbeddingTypes,
		DocumentID:     req.DocumentID,
		Limit:          req.Limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

// SchedulerStats is the scheduler block of the stats endpoint.
type SchedulerStats struct {
	Owner string `json:"owner"`
	scheduler.Snapshot
}

// DocumentStats is the document block of the stats endpoint.
type DocumentStats struct {
	Total    int64            `json:"total"`
	BySource map[string]int64 `json:"by_source"`
}

// ChunkStats is the chunk block of the stats endpoint. StaleModel counts
// chunks embedded under a model other than the configured one; those
// documents need a reindex before vector search covers them again.
type ChunkStats struct {
	Total      int64 `json:"total"`
	Unembedded int64 `json:"unembedded"`
	StaleModel int64 `json:"stale_model"`
}

// DatabaseStats is the database block of the stats endpoint.
type DatabaseStats struct {
	Status         string           `json:"status"`
	QueryLatencyMS float64          `json:"query_latency_ms"`
	Pool           gormdb.PoolStats `json:"pool"`
	Warning        string           `json:"warning,omitempty"`
}

// StatsResponse aggregates every component's health counters. Blocks from
// components that are unavailable are omitted rather than failing the whole
// endpoint.
type StatsResponse struct {
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	TaskCounts    map[string]int64   `json:"task_counts,omitempty"`
	Scheduler     *SchedulerStats    `json:"scheduler,omitempty"`
	Documents     *DocumentStats     `json:"documents,omitempty"`
	Chunks        *ChunkStats        `json:"chunks,omitempty"`
	Search        map[string]any     `json:"search,omitempty"`
	SearchCache   map[string]any     `json:"search_cache,omitempty"`
	Maintenance   *maintenance.Stats `json:"maintenance,omitempty"`
	RateLimiter   map[string]any     `json:"rate_limiter,omitempty"`
	Database      *DatabaseStats     `json:"database,omitempty"`
}

// handleStats reports queue depth, scheduler activity, document and chunk
// counts, search metrics, and maintenance counters in one response.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatsResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	if counts, err := s.tasks.CountsByStatus(ctx); err != nil {
		log.Warn().Err(err).Msg("Stats: task counts unavailable")
	} else {
		resp.TaskCounts = counts
	}

	if s.sched != nil {
		resp.Scheduler = &SchedulerStats{
			Owner:    s.sched.Owner(),
			Snapshot: s.sched.Stats(),
		}
	}

	if total, err := s.documents.CountDocuments(ctx); err != nil {
		log.Warn().Err(err).Msg("Stats: document counts unavailable")
	} else {
		bySource, err := s.documents.SourceDocCounts(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Stats: source counts unavailable")
			bySource = nil
		}
		resp.Documents = &DocumentStats{Total: total, BySource: bySource}
	}

	if total, err := s.chunks.Count(ctx); err != nil {
		log.Warn().Err(err).Msg("Stats: chunk counts unavailable")
	} else {
		unembedded, err := s.chunks.CountUnembedded(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Stats: unembedded count unavailable")
		}
		stale, err := s.chunks.StaleModelCount(ctx, config.Get().EmbeddingModel)
		if err != nil {
			log.Warn().Err(err).Msg("Stats: stale model count unavailable")
		}
		resp.Chunks = &ChunkStats{Total: total, Unembedded: unembedded, StaleModel: stale}
	}

	if s.search != nil {
		resp.Search = s.search.Metrics().GetStats()
		resp.SearchCache = s.search.CacheStats()
	}
	if s.maint != nil {
		stats := s.maint.Stats()
		resp.Maintenance = &stats
	}
	if s.limiter != nil {
		resp.RateLimiter = s.limiter.Stats()
	}
	if s.store != nil {
		dbHealth := s.store.HealthCheck(ctx)
		resp.Database = &DatabaseStats{
			Status:         dbHealth.Status,
			QueryLatencyMS: float64(dbHealth.QueryLatency) / 1e6,
			Pool:           dbHealth.PoolStats,
			Warning:        dbHealth.Warning,
		}
	}

	writeJSON(w, resp)
}

// maxRetries resolves the retry budget for API-enqueued tasks: an explicit
// non-negative override wins, otherwise the configured default applies.
// Zero means no retries, which is why the override is a pointer.
func (s *Service) maxRetries(override *int) int {
	if override != nil && *override >= 0 {
		return *override
	}
	return config.Get().DefaultMaxRetries
}

// Package client provides a Go client for the bindery worker HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultWorkerPort is the port a local worker listens on unless overridden.
const DefaultWorkerPort = 37710

const defaultTimeout = 10 * time.Second

// WorkerPort returns the worker port from the environment or the default.
func WorkerPort() int {
	if port := os.Getenv("BINDERY_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return DefaultWorkerPort
}

// DefaultBaseURL returns the URL of the local worker on the resolved port.
func DefaultBaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", WorkerPort())
}

// Task status values as reported by the worker.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Content part kinds accepted by document ingestion.
const (
	PartText = "text"
	PartPDF  = "pdf"
	PartURL  = "url"
)

// APIError is a non-2xx response from the worker. The message is the response
// body, which the worker keeps to a short plain-text reason.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a bindery worker over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the X-Auth-Token header on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the worker at baseURL. An empty baseURL targets
// the local worker on the configured port.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for i := 0; i < len(opts); i++ {
		opts[i](c)
	}
	return c
}

// do runs one JSON request/response cycle against the worker.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health is the worker's liveness report. Status is "starting", "ready" or
// "error".
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health reports worker liveness. It answers even while the worker is still
// initializing.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Ready returns nil once the worker has finished initialization. Before that
// it returns an *APIError with status 503, or 500 if initialization failed.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/ready", nil, nil)
}

// Version returns the worker's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Task mirrors the worker's task representation.
type Task struct {
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

// EnqueueTaskRequest enqueues a background task. Supplying TaskID makes the
// enqueue idempotent: a duplicate returns an *APIError with status 409.
type EnqueueTaskRequest struct {
	TaskID         string          `json:"task_id,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	RecurrenceRule string          `json:"recurrence_rule,omitempty"`
}

// EnqueueTask inserts a pending task and wakes the scheduler.
func (c *Client) EnqueueTask(ctx context.Context, req EnqueueTaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksOptions filters ListTasks. Zero values mean no filter.
type ListTasksOptions struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// RetryTask puts a failed task back in the queue. A nil runAt retries
// immediately. Tasks that are not in the failed state return an *APIError
// with status 409.
func (c *Client) RetryTask(ctx context.Context, taskID string, runAt *time.Time) error {
	var body any
	if runAt != nil {
		body = map[string]*time.Time{"run_at": runAt}
	}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/retry", body, nil)
}

// Document mirrors the worker's document representation.
type Document struct {
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

// Chunk is one stored chunk of an indexed document. Embedded is false for
// chunks that are only reachable through keyword search.
type Chunk struct {
	ChunkIndex    int            `json:"chunk_index"`
	EmbeddingType string         `json:"embedding_type"`
	Model         string         `json:"model"`
	Content       string         `json:"content"`
	TokenCount    int            `json:"token_count,omitempty"`
	Embedded      bool           `json:"embedded"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one piece of source material attached to an upload.
type ContentPart struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CreateDocumentRequest ingests a document. A body, content parts, or both
// must be present. Supplying SourceID makes ingestion idempotent per
// (SourceType, SourceID).
type CreateDocumentRequest struct {
	Title        string          `json:"title,omitempty"`
	SourceType   string          `json:"source_type,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	SourceURI    string          `json:"source_uri,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Body         string          `json:"body,omitempty"`
	ContentParts []ContentPart   `json:"content_parts,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
}

// CreateDocumentResponse is the accepted ingest: the stored document and the
// id of the indexing task that will process it.
type CreateDocumentResponse struct {
	Document Document `json:"document"`
	TaskID   string   `json:"task_id"`
}

// CreateDocument stores a document and queues it for indexing. Indexing is
// asynchronous; poll the task or the document's chunks for completion.
func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*CreateDocumentResponse, error) {
	var resp CreateDocumentResponse
	if err := c.do(ctx, http.MethodPost, "/api/documents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DocumentDetail is a document with its stored chunks.
type DocumentDetail struct {
	Document   Document `json:"document"`
	Chunks     []Chunk  `json:"chunks"`
	ChunkCount int      `json:"chunk_count"`
	Body       string   `json:"body,omitempty"`
}

// GetDocument fetches a document and its chunk rows.
func (c *Client) GetDocument(ctx context.Context, id int64, includeBody bool) (*DocumentDetail, error) {
	path := "/api/documents/" + strconv.FormatInt(id, 10)
	if includeBody {
		path += "?include_body=true"
	}

	var detail DocumentDetail
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListDocumentsOptions filters ListDocuments. Zero values mean no filter.
type ListDocumentsOptions struct {
	SourceType string
	Limit      int
	Offset     int
}

// ListDocuments returns documents newest first.
func (c *Client) ListDocuments(ctx context.Context, opts ListDocumentsOptions) ([]Document, error) {
	q := url.Values{}
	if opts.SourceType != "" {
		q.Set("source_type", opts.SourceType)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// ReindexDocument queues a rebuild of the document's chunks from its stored
// body and returns the task id. Documents without a stored body return an
// *APIError with status 409.
func (c *Client) ReindexDocument(ctx context.Context, id int64) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	path := "/api/documents/" + strconv.FormatInt(id, 10) + "/reindex"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// SearchRequest runs a hybrid search over the indexed chunks.
type SearchRequest struct {
	Query          string   `json:"query"`
	SourceType     string   `json:"source_type,omitempty"`
	SourceID       string   `json:"source_id,omitempty"`
	EmbeddingTypes []string `json:"embedding_types,omitempty"`
	DocumentID     int64    `json:"document_id,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// SearchResult is one fused search hit.
type SearchResult struct {
	Content       string   `json:"content"`
	EmbeddingType string   `json:"embedding_type"`
	MatchedBy     string   `json:"matched_by"`
	Distance      *float64 `json:"distance,omitempty"`
	FTSScore      *float64 `json:"fts_score,omitempty"`
	RRFScore      *float64 `json:"rrf_score,omitempty"`
	ChunkID       int64    `json:"chunk_id"`
	DocumentID    int64    `json:"document_id"`
	ChunkIndex    int      `json:"chunk_index"`
}

// SearchResults is the response of one search.
type SearchResults struct {
	Query      string         `json:"query"`
	Results    []SearchResult `json:"results"`
	TotalCount int            `json:"total_count"`
}

// Search runs a hybrid search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResults, error) {
	var results SearchResults
	if err := c.do(ctx, http.MethodPost, "/api/search", req, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// Stats returns the worker's aggregate counters. The shape follows the
// worker's stats endpoint and may grow fields between versions.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

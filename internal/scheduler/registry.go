package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/embedding"
	"github.com/stackmere/bindery/internal/vector/pgvector"
)

// Handler processes one leased task. The payload is the raw JSON stored on
// the task row; each handler owns its own payload contract. Returning nil
// completes the task; returning an error routes through FailOrRetry, where
// tasks.Permanent errors skip the retry budget.
type Handler func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error

// DocumentStore is the document surface handlers work against.
type DocumentStore interface {
	GetDocument(ctx context.Context, id int64) (*gormdb.Document, error)
	GetBody(ctx context.Context, documentID int64) (string, error)
	ResolveBySource(ctx context.Context, sourceType, sourceID, title string) (*gormdb.Document, error)
	SetTitle(ctx context.Context, documentID int64, title string) error
	MarkIndexed(ctx context.Context, documentID int64, when time.Time) error
}

// VectorStore is the chunk storage surface handlers work against.
type VectorStore interface {
	AddEmbeddings(ctx context.Context, chunks []pgvector.Chunk) error
	ReplaceForDocument(ctx context.Context, documentID int64, chunks []pgvector.Chunk) error
}

// TaskEnqueuer lets handlers enqueue follow-up work. The scheduler's wake
// signal is separate; wiring notifies it after enqueueing.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t *gormdb.Task) error
}

// ExecContext carries the shared collaborators a handler runs against. One
// instance is built at wiring time and handed to every invocation; handlers
// must not stash per-task state on it.
type ExecContext struct {
	Documents DocumentStore
	Vectors   VectorStore
	Embedder  embedding.Port
	Tasks     TaskEnqueuer
}

// Registry maps task type keys to handlers. Registration happens at wiring
// time before the scheduler starts; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type key. Registering the same key
// twice is a wiring bug and is rejected rather than silently replaced.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("register handler: empty task type")
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("register handler %s: already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Lookup returns the handler for a task type key.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task type keys in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

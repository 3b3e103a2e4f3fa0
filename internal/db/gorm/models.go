package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stackmere/bindery/internal/tasks"
)

// GORM Models
//
// Status and type values are plain strings so raw SQL and GORM agree on
// representation; the canonical constants live in internal/tasks.

// Task is one unit of queued work. Lease fields are only set while the
// task is running; anchor_at and original_task_id never change after enqueue
// and are inherited verbatim by recurrence successors.
type Task struct {
	TaskID         string         `gorm:"primaryKey;type:text" json:"task_id"`
	OriginalTaskID string         `gorm:"type:text;not null;index:idx_tasks_chain" json:"original_task_id"`
	Type           string         `gorm:"type:text;not null;index:idx_tasks_type" json:"type"`
	Status         string         `gorm:"type:text;not null;default:'pending';check:status IN ('pending', 'running', 'done', 'failed');index:idx_tasks_claim,priority:1;index:idx_tasks_lease,priority:1" json:"status"`
	Payload        string         `gorm:"type:jsonb;not null" json:"payload"`
	RecurrenceRule sql.NullString `gorm:"type:text" json:"recurrence_rule"`
	LeaseOwner     sql.NullString `gorm:"type:text" json:"lease_owner"`
	LastError      sql.NullString `gorm:"type:text" json:"last_error"`
	ScheduledAt    time.Time      `gorm:"type:timestamptz;not null;index:idx_tasks_claim,priority:2" json:"scheduled_at"`
	AnchorAt       time.Time      `gorm:"type:timestamptz;not null" json:"anchor_at"`
	LeaseExpiresAt sql.NullTime   `gorm:"type:timestamptz;index:idx_tasks_lease,priority:2" json:"lease_expires_at"`
	CompletedAt    sql.NullTime   `gorm:"type:timestamptz" json:"completed_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	MaxRetries     int            `gorm:"not null" json:"max_retries"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
}

// TableName returns the table name for Task.
func (Task) TableName() string { return "tasks" }

// BeforeCreate hook to ensure identity and schedule defaults are set. A task
// enqueued without an explicit chain root starts its own chain.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.OriginalTaskID == "" {
		t.OriginalTaskID = t.TaskID
	}
	if t.Status == "" {
		t.Status = tasks.StatusPending
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now().UTC()
	}
	if t.AnchorAt.IsZero() {
		t.AnchorAt = t.ScheduledAt
	}
	return nil
}

// Document source types. The column is free text so applications can add
// their own, but the built-in handlers only resolve these.
const (
	SourceUpload = "upload"
	SourceEmail  = "email"
	SourceNote   = "note"
)

// Document represents one indexable item regardless of where it came from.
// SourceType distinguishes uploads from externally keyed items (email, note);
// for those the (source_type, source_id) pair is unique.
type Document struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceType  string         `gorm:"type:text;not null;default:'upload';uniqueIndex:idx_documents_source,priority:1" json:"source_type"`
	SourceID    sql.NullString `gorm:"type:text;uniqueIndex:idx_documents_source,priority:2" json:"source_id"`
	SourceURI   sql.NullString `gorm:"type:text" json:"source_uri"`
	Title       sql.NullString `gorm:"type:text" json:"title"`
	ContentHash sql.NullString `gorm:"type:text;index:idx_documents_hash" json:"content_hash"`
	Metadata    sql.NullString `gorm:"type:jsonb" json:"metadata"`
	IndexedAt   sql.NullTime   `gorm:"type:timestamptz" json:"indexed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Document.
func (Document) TableName() string { return "documents" }

// Content holds deduplicated document bodies keyed by BLAKE2b-256 hash.
type Content struct {
	Hash      string    `gorm:"primaryKey;type:text" json:"hash"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Content.
func (Content) TableName() string { return "content" }

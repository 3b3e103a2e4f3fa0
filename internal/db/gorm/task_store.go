package gorm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackmere/bindery/internal/recurrence"
	"github.com/stackmere/bindery/internal/tasks"
)

// TaskStore provides durable task queue operations on top of Store.
// Every transition is guarded by status and lease owner so concurrent
// workers sharing the table cannot double-apply an outcome.
type TaskStore struct {
	db            *gorm.DB
	leaseDuration time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
}

// TaskStoreConfig holds tunables for lease and retry behavior.
type TaskStoreConfig struct {
	LeaseDuration time.Duration // how long a claim is exclusive (default: 2m)
	BackoffBase   time.Duration // first retry delay (default: 10s)
	BackoffCap    time.Duration // retry delay ceiling (default: 10m)
}

// NewTaskStore creates a new task store.
func NewTaskStore(store *Store, cfg TaskStoreConfig) *TaskStore {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}

	return &TaskStore{
		db:            store.DB,
		leaseDuration: cfg.LeaseDuration,
		backoffBase:   cfg.BackoffBase,
		backoffCap:    cfg.BackoffCap,
	}
}

// Enqueue inserts a new pending task. The task ID is generated when empty;
// inserting an existing ID returns ErrDuplicateTask. A recurrence rule is
// validated up front so malformed rules are rejected before they can strand
// a chain of successors.
func (s *TaskStore) Enqueue(ctx context.Context, t *Task) error {
	if t.Type == "" {
		return fmt.Errorf("enqueue task: type is required")
	}
	if t.Payload == "" {
		t.Payload = "{}"
	}
	if t.RecurrenceRule.Valid && t.RecurrenceRule.String != "" {
		if err := recurrence.Validate(t.RecurrenceRule.String); err != nil {
			return fmt.Errorf("enqueue task: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", tasks.ErrDuplicateTask, t.TaskID)
		}
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// leaseBatchSQL atomically claims a batch of due pending tasks.
// SKIP LOCKED lets concurrent workers claim disjoint batches without
// blocking each other; RETURNING hands back the claimed rows in one trip.
const leaseBatchSQL = `
WITH eligible AS (
	SELECT task_id
	FROM tasks
	WHERE status = 'pending'
	  AND scheduled_at <= $1
	  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
	ORDER BY scheduled_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE tasks AS t
SET status           = 'running',
    lease_owner      = $3,
    lease_expires_at = $4,
    updated_at       = $1
FROM eligible AS e
WHERE t.task_id = e.task_id
RETURNING t.*`

// LeaseNextBatch claims up to limit due tasks for the given owner, moving
// them to running with a fresh lease. Returns the claimed rows oldest
// schedule first; an empty slice means nothing is due.
func (s *TaskStore) LeaseNextBatch(ctx context.Context, owner string, limit int) ([]Task, error) {
	if owner == "" {
		return nil, fmt.Errorf("lease next batch: owner is required")
	}
	if limit <= 0 {
		limit = 1
	}

	now := time.Now().UTC()
	expires := now.Add(s.leaseDuration)

	var claimed []Task
	if err := s.db.WithContext(ctx).
		Raw(leaseBatchSQL, now, limit, owner, expires).
		Scan(&claimed).Error; err != nil {
		return nil, fmt.Errorf("lease next batch: %w", err)
	}
	return claimed, nil
}

// Complete marks a running task done and spawns its recurrence successor in
// the same transaction. Returns ErrNotRunning if the task is no longer
// running under this owner, e.g. its lease expired and another worker
// reclaimed it.
func (s *TaskStore) Complete(ctx context.Context, taskID, owner string) error {
	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadOwnedRunning(tx, taskID, owner)
		if err != nil {
			return err
		}

		if err := tx.Model(&Task{}).Where("task_id = ?", taskID).
			Updates(map[string]any{
				"status":           tasks.StatusDone,
				"completed_at":     now,
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("complete task: %w", err)
		}

		return s.spawnSuccessor(tx, task)
	})
}

// FailOrRetry records a handler failure for a running task. Transient
// failures below the retry budget go back to pending with exponential
// backoff; permanent failures and exhausted budgets land in failed.
// Terminal failures still spawn the recurrence successor so one bad
// occurrence cannot stop a recurring chain. Returns whether the task was
// requeued for retry.
func (s *TaskStore) FailOrRetry(ctx context.Context, taskID, owner string, taskErr error) (bool, error) {
	if taskErr == nil {
		taskErr = errors.New("unspecified handler failure")
	}
	now := time.Now().UTC()

	retried := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadOwnedRunning(tx, taskID, owner)
		if err != nil {
			return err
		}

		attempt := task.RetryCount + 1
		msg := truncateError(taskErr.Error())

		// retry_count counts retries granted, not attempts made, so the
		// terminal update leaves it alone. A task that dies on its first
		// attempt with max_retries=0 ends failed with retry_count=0.
		if tasks.IsPermanent(taskErr) || attempt > task.MaxRetries {
			if err := tx.Model(&Task{}).Where("task_id = ?", taskID).
				Updates(map[string]any{
					"status":           tasks.StatusFailed,
					"last_error":       msg,
					"completed_at":     now,
					"lease_owner":      nil,
					"lease_expires_at": nil,
					"updated_at":       now,
				}).Error; err != nil {
				return fmt.Errorf("fail task: %w", err)
			}
			return s.spawnSuccessor(tx, task)
		}

		delay := retryDelay(taskID, attempt, s.backoffBase, s.backoffCap)
		if err := tx.Model(&Task{}).Where("task_id = ?", taskID).
			Updates(map[string]any{
				"status":           tasks.StatusPending,
				"retry_count":      attempt,
				"last_error":       msg,
				"scheduled_at":     now.Add(delay),
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		retried = true
		return nil
	})

	return retried, err
}

// RescheduleForRetry re-arms a failed task: back to pending at runAt with a
// fresh retry budget. Only failed tasks qualify; anything else returns
// ErrNotRetryable (or ErrTaskNotFound when the row is gone).
func (s *TaskStore) RescheduleForRetry(ctx context.Context, taskID string, runAt time.Time) error {
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ?", taskID, tasks.StatusFailed).
		Updates(map[string]any{
			"status":           tasks.StatusPending,
			"scheduled_at":     runAt.UTC(),
			"retry_count":      0,
			"last_error":       nil,
			"completed_at":     nil,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("reschedule task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Task{}).
			Where("task_id = ?", taskID).Count(&count).Error; err != nil {
			return fmt.Errorf("reschedule task: %w", err)
		}
		if count == 0 {
			return tasks.ErrTaskNotFound
		}
		return tasks.ErrNotRetryable
	}
	return nil
}

// RequeueExpiredLeases returns running tasks whose lease has lapsed to
// pending so they become claimable again. This recovers work stranded by a
// crashed worker; the retry budget is not consumed because no handler
// outcome was recorded.
func (s *TaskStore) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?", tasks.StatusRunning, now).
		Updates(map[string]any{
			"status":           tasks.StatusPending,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"last_error":       "lease expired; requeued",
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Warn().Int64("tasks", res.RowsAffected).Msg("Requeued tasks with expired leases")
	}
	return res.RowsAffected, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, tasks.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status and type.
func (s *TaskStore) ListTasks(ctx context.Context, status, taskType string, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&Task{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if taskType != "" {
		query = query.Where("type = ?", taskType)
	}

	var rows []Task
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return rows, nil
}

// CountsByStatus returns the number of tasks per status.
func (s *TaskStore) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// PurgeTerminalBefore deletes done and failed tasks completed before cutoff.
// Returns the number of rows removed.
func (s *TaskStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
			[]string{tasks.StatusDone, tasks.StatusFailed}, cutoff.UTC()).
		Delete(&Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge terminal tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// loadOwnedRunning locks the task row and verifies it is still running under
// the given owner. The row lock holds until the surrounding transaction
// commits, so subsequent updates cannot race a concurrent requeue.
func loadOwnedRunning(tx *gorm.DB, taskID, owner string) (*Task, error) {
	var task Task
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, tasks.ErrTaskNotFound
		}
		return nil, fmt.Errorf("load task: %w", err)
	}

	if task.Status != tasks.StatusRunning || !task.LeaseOwner.Valid || task.LeaseOwner.String != owner {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotRunning, taskID)
	}
	return &task, nil
}

// spawnSuccessor inserts the next occurrence of a recurring task. The
// successor inherits type, payload, retry budget, rule, and the original
// anchor; its schedule comes from evaluating the rule against the completed
// occurrence so late or retried runs never shift the cadence. A rule with
// no further occurrences ends the chain.
func (s *TaskStore) spawnSuccessor(tx *gorm.DB, prev *Task) error {
	if !prev.RecurrenceRule.Valid || prev.RecurrenceRule.String == "" {
		return nil
	}

	next, err := recurrence.NextOccurrence(prev.RecurrenceRule.String, prev.ScheduledAt, prev.AnchorAt)
	if err != nil {
		// A rule that validated at enqueue but fails now ends the chain;
		// failing the terminal transition would strand the lease instead.
		log.Error().Err(err).
			Str("task_id", prev.TaskID).
			Str("rule", prev.RecurrenceRule.String).
			Msg("Recurrence rule no longer evaluates; chain stopped")
		return nil
	}
	if next.IsZero() {
		return nil
	}

	successor := &Task{
		OriginalTaskID: prev.OriginalTaskID,
		Type:           prev.Type,
		Status:         tasks.StatusPending,
		Payload:        prev.Payload,
		RecurrenceRule: prev.RecurrenceRule,
		ScheduledAt:    next,
		AnchorAt:       prev.AnchorAt,
		MaxRetries:     prev.MaxRetries,
	}
	if err := tx.Create(successor).Error; err != nil {
		return fmt.Errorf("create recurrence successor: %w", err)
	}

	log.Debug().
		Str("task_id", prev.TaskID).
		Str("successor_id", successor.TaskID).
		Time("scheduled_at", next).
		Msg("Spawned recurrence successor")
	return nil
}

// retryDelay doubles the base delay per attempt up to cap, then shifts the
// result by a jitter derived from the task ID so tasks failing together do
// not retry in lockstep. Deterministic inputs keep retry timing testable.
func retryDelay(taskID string, attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	delay := base << shift
	if delay <= 0 || delay > cap {
		delay = cap
	}

	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", taskID, attempt)
	if jitterRange := delay / 4; jitterRange > 0 {
		jitter := time.Duration(h.Sum32()) % jitterRange
		delay = delay - jitterRange/2 + jitter
	}

	if delay > cap {
		delay = cap
	}
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

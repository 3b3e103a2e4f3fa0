package handlers

import (
	"context"
	"fmt"

	"github.com/stackmere/bindery/internal/config"
	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/scheduler"
	"github.com/stackmere/bindery/internal/tasks"
)

// QueueEnqueuer connects the pipeline's terminal dispatch step to the task
// queue. Every enqueue nudges the scheduler awake so a dispatched batch does
// not sit out the poll interval.
type QueueEnqueuer struct {
	Tasks scheduler.TaskEnqueuer
	Wake  *scheduler.Wake
}

// EnqueueEmbedBatch stores one embed_and_store_batch task.
func (q *QueueEnqueuer) EnqueueEmbedBatch(ctx context.Context, p tasks.EmbedAndStoreBatchPayload) error {
	data, err := tasks.EncodePayload(p)
	if err != nil {
		return err
	}

	task := &gormdb.Task{
		Type:       tasks.TypeEmbedAndStoreBatch,
		Payload:    string(data),
		MaxRetries: config.Get().DefaultMaxRetries,
	}
	if err := q.Tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue embed batch for document %d: %w", p.DocumentID, err)
	}
	if q.Wake != nil {
		q.Wake.Notify()
	}
	return nil
}

package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/stackmere/bindery/internal/scheduler"

// Snapshot is a point-in-time view of scheduler activity, served by the
// worker's stats endpoint. Counts are cumulative since process start.
type Snapshot struct {
	LastActivity time.Time `json:"last_activity"`
	Leased       uint64    `json:"leased"`
	Completed    uint64    `json:"completed"`
	Retried      uint64    `json:"retried"`
	Failed       uint64    `json:"failed"`
	Timeouts     uint64    `json:"timeouts"`
	Panics       uint64    `json:"panics"`
}

// metrics feeds the same counts to two consumers: OTel instruments for
// whatever meter provider the process installed, and local atomics for the
// stats endpoint, which must keep working without one.
type metrics struct {
	leased    metric.Int64Counter
	completed metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	timeouts  metric.Int64Counter
	panics    metric.Int64Counter
	duration  metric.Float64Histogram

	localLeased    atomic.Uint64
	localCompleted atomic.Uint64
	localRetried   atomic.Uint64
	localFailed    atomic.Uint64
	localTimeouts  atomic.Uint64
	localPanics    atomic.Uint64
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error

	m.leased, err = meter.Int64Counter("bindery.scheduler.tasks.leased",
		metric.WithDescription("Tasks leased from the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.completed, err = meter.Int64Counter("bindery.scheduler.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.retried, err = meter.Int64Counter("bindery.scheduler.tasks.retried",
		metric.WithDescription("Tasks rescheduled for retry after a handler error"),
	)
	if err != nil {
		return nil, err
	}

	m.failed, err = meter.Int64Counter("bindery.scheduler.tasks.failed",
		metric.WithDescription("Tasks failed permanently"),
	)
	if err != nil {
		return nil, err
	}

	m.timeouts, err = meter.Int64Counter("bindery.scheduler.tasks.timeouts",
		metric.WithDescription("Handler invocations cut off by the wall-clock timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.panics, err = meter.Int64Counter("bindery.scheduler.tasks.panics",
		metric.WithDescription("Handler invocations that panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram("bindery.scheduler.handler.duration",
		metric.WithDescription("Handler wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func typeAttr(taskType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("task_type", taskType))
}

func (m *metrics) Leased(ctx context.Context, n int) {
	m.localLeased.Add(uint64(n))
	m.leased.Add(ctx, int64(n))
}

func (m *metrics) Completed(ctx context.Context, taskType string, elapsed time.Duration) {
	m.localCompleted.Add(1)
	m.completed.Add(ctx, 1, typeAttr(taskType))
	m.duration.Record(ctx, elapsed.Seconds(), typeAttr(taskType))
}

func (m *metrics) Retried(ctx context.Context, taskType string, elapsed time.Duration) {
	m.localRetried.Add(1)
	m.retried.Add(ctx, 1, typeAttr(taskType))
	m.duration.Record(ctx, elapsed.Seconds(), typeAttr(taskType))
}

func (m *metrics) Failed(ctx context.Context, taskType string, elapsed time.Duration) {
	m.localFailed.Add(1)
	m.failed.Add(ctx, 1, typeAttr(taskType))
	m.duration.Record(ctx, elapsed.Seconds(), typeAttr(taskType))
}

func (m *metrics) TimedOut(ctx context.Context, taskType string) {
	m.localTimeouts.Add(1)
	m.timeouts.Add(ctx, 1, typeAttr(taskType))
}

func (m *metrics) Panicked(ctx context.Context, taskType string) {
	m.localPanics.Add(1)
	m.panics.Add(ctx, 1, typeAttr(taskType))
}

func (m *metrics) snapshot() Snapshot {
	return Snapshot{
		Leased:    m.localLeased.Load(),
		Completed: m.localCompleted.Load(),
		Retried:   m.localRetried.Load(),
		Failed:    m.localFailed.Load(),
		Timeouts:  m.localTimeouts.Load(),
		Panics:    m.localPanics.Load(),
	}
}

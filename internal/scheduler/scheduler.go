// Package scheduler drives the task queue: it leases due tasks, dispatches
// them to registered handlers under a wall-clock timeout and records the
// outcome through the store's guarded transitions. Multiple worker processes
// can run the same loop against one database because every cross-process
// decision goes through the lease.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/tasks"
)

// outcomeTimeout bounds the Complete/FailOrRetry write that lands a task's
// result. It is deliberately separate from the handler context so a shutdown
// that cancels a handler cannot also lose its outcome.
const outcomeTimeout = 10 * time.Second

// Store is the leasing surface the scheduler loop drives.
type Store interface {
	LeaseNextBatch(ctx context.Context, owner string, limit int) ([]gormdb.Task, error)
	Complete(ctx context.Context, taskID, owner string) error
	FailOrRetry(ctx context.Context, taskID, owner string, taskErr error) (bool, error)
}

// Config holds the scheduler loop tunables. Zero fields fall back to the
// defaults used by the settings file.
type Config struct {
	// PollInterval is the repoll fallback when no wake signal arrives.
	PollInterval time.Duration
	// BatchSize caps how many tasks one poll leases.
	BatchSize int
	// HandlerTimeout is the hard wall-clock cap per handler invocation.
	HandlerTimeout time.Duration
	// MaxConcurrent bounds in-flight handler goroutines.
	MaxConcurrent int
	// DrainTimeout bounds the shutdown wait for in-flight handlers before
	// their contexts are canceled.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Scheduler runs the lease/dispatch/outcome loop.
type Scheduler struct {
	store    Store
	registry *Registry
	exec     *ExecContext
	wake     *Wake
	config   Config
	owner    string
	log      zerolog.Logger
	metrics  *metrics

	cancelHandlers context.CancelFunc
	lastActivity   atomic.Int64
	wg             sync.WaitGroup
	sem            chan struct{}
	stopCh         chan struct{}
	doneCh         chan struct{}
	mu             sync.Mutex
	running        bool
}

// New creates a scheduler with a fresh lease owner identity.
func New(store Store, registry *Registry, exec *ExecContext, wake *Wake, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create scheduler metrics: %w", err)
	}

	cfg = cfg.withDefaults()
	if wake == nil {
		wake = NewWake()
	}
	owner := uuid.NewString()

	return &Scheduler{
		store:    store,
		registry: registry,
		exec:     exec,
		wake:     wake,
		config:   cfg,
		owner:    owner,
		log:      logger.With().Str("component", "task-scheduler").Str("lease_owner", owner).Logger(),
		metrics:  m,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Owner returns the lease owner identity this scheduler claims tasks under.
func (s *Scheduler) Owner() string { return s.owner }

// Stats returns the activity snapshot for the stats endpoint.
func (s *Scheduler) Stats() Snapshot {
	snap := s.metrics.snapshot()
	if nanos := s.lastActivity.Load(); nanos > 0 {
		snap.LastActivity = time.Unix(0, nanos).UTC()
	}
	return snap
}

// Run executes the scheduler loop until Stop is called or ctx is canceled,
// then drains in-flight handlers. Call from a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer close(s.doneCh)

	// Handlers get a context the drain deadline can cancel independently of
	// the loop's own context.
	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelHandlers = cancel
	defer cancel()

	s.log.Info().
		Dur("poll_interval", s.config.PollInterval).
		Int("batch_size", s.config.BatchSize).
		Dur("handler_timeout", s.config.HandlerTimeout).
		Int("max_concurrent", s.config.MaxConcurrent).
		Strs("task_types", s.registry.Types()).
		Msg("Task scheduler started")

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Task scheduler stopping (context done)")
			s.drain()
			return
		case <-s.stopCh:
			s.log.Info().Msg("Task scheduler stopping (stop signal)")
			s.drain()
			return
		case <-s.wake.C():
		case <-ticker.C:
		}

		s.pollUntilEmpty(ctx, handlerCtx)
	}
}

// Stop signals the loop to exit. Safe to call more than once; returns
// immediately if the scheduler never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until Run has returned.
func (s *Scheduler) Wait() {
	<-s.doneCh
}

// pollUntilEmpty leases and dispatches batches until the queue has no more
// due work. A full batch means there may be more behind it.
func (s *Scheduler) pollUntilEmpty(ctx, handlerCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.dispatchBatch(ctx, handlerCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("Lease batch failed")
			}
			return
		}
		if n < s.config.BatchSize {
			return
		}
	}
}

// dispatchBatch claims one batch and hands each task to a handler goroutine,
// blocking on the concurrency semaphore between starts. Tasks claimed but not
// dispatched when the loop is interrupted sit out their lease and are
// requeued by maintenance.
func (s *Scheduler) dispatchBatch(ctx, handlerCtx context.Context) (int, error) {
	leased, err := s.store.LeaseNextBatch(ctx, s.owner, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("lease next batch: %w", err)
	}
	if len(leased) == 0 {
		return 0, nil
	}

	s.touch()
	s.metrics.Leased(ctx, len(leased))
	s.log.Debug().Int("count", len(leased)).Msg("Leased task batch")

	for i := range leased {
		task := leased[i]

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.log.Warn().
				Int("abandoned", len(leased)-i).
				Msg("Interrupted mid-batch, leaving remaining claims to lease expiry")
			return len(leased), ctx.Err()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runTask(handlerCtx, &task)
		}()
	}

	return len(leased), nil
}

// runTask invokes the handler for one leased task and lands the outcome.
func (s *Scheduler) runTask(ctx context.Context, task *gormdb.Task) {
	logger := s.log.With().Str("task_id", task.TaskID).Str("task_type", task.Type).Logger()
	start := time.Now()

	var taskErr error
	if handler, ok := s.registry.Lookup(task.Type); ok {
		taskErr = s.invoke(ctx, handler, task)
	} else {
		taskErr = tasks.Permanent(fmt.Errorf("%w: %s", tasks.ErrUnknownTaskType, task.Type))
	}

	elapsed := time.Since(start)
	s.touch()

	// The outcome write must survive handler-context cancellation.
	octx, ocancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer ocancel()

	if taskErr == nil {
		if err := s.store.Complete(octx, task.TaskID, s.owner); err != nil {
			logger.Error().Err(err).Msg("Failed to record completion, lease expiry will requeue")
			return
		}
		s.metrics.Completed(octx, task.Type, elapsed)
		logger.Debug().Dur("elapsed", elapsed).Msg("Task completed")
		return
	}

	if errors.Is(taskErr, tasks.ErrHandlerTimeout) {
		s.metrics.TimedOut(octx, task.Type)
	}

	terminal, err := s.store.FailOrRetry(octx, task.TaskID, s.owner, taskErr)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record failure, lease expiry will requeue")
		return
	}
	if terminal {
		s.metrics.Failed(octx, task.Type, elapsed)
		logger.Warn().Err(taskErr).Dur("elapsed", elapsed).Int("retry_count", task.RetryCount).Msg("Task failed permanently")
		return
	}
	s.metrics.Retried(octx, task.Type, elapsed)
	logger.Info().Err(taskErr).Dur("elapsed", elapsed).Msg("Task scheduled for retry")
}

// invoke runs the handler under the wall-clock timeout. The handler runs in
// its own goroutine so a stuck handler cannot wedge the dispatch path; on
// timeout the goroutine is abandoned with its context canceled and the
// buffered channel absorbs its eventual return.
func (s *Scheduler) invoke(ctx context.Context, handler Handler, task *gormdb.Task) error {
	hctx, cancel := context.WithTimeout(ctx, s.config.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.metrics.Panicked(hctx, task.Type)
				s.log.Error().
					Str("task_id", task.TaskID).
					Str("task_type", task.Type).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(hctx, s.exec, json.RawMessage(task.Payload))
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", tasks.ErrHandlerTimeout, s.config.HandlerTimeout)
		}
		return hctx.Err()
	}
}

// drain waits out in-flight handlers, canceling whatever remains past the
// drain timeout. A canceled handler may leave its row leased; lease expiry
// brings it back.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Task scheduler drained")
	case <-time.After(s.config.DrainTimeout):
		s.log.Warn().
			Dur("drain_timeout", s.config.DrainTimeout).
			Msg("Drain timeout exceeded, canceling in-flight handlers")
		s.cancelHandlers()
		<-done
	}
}

func (s *Scheduler) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

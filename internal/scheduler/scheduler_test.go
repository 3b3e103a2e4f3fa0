package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gormdb "github.com/stackmere/bindery/internal/db/gorm"
	"github.com/stackmere/bindery/internal/tasks"
)

// mockTaskStore hands out a fixed set of pending tasks and records outcomes.
type mockTaskStore struct {
	mu         sync.Mutex
	pending    []gormdb.Task
	terminal   bool
	completed  []string
	failures   map[string]error
	leaseCalls int
}

func newMockTaskStore(pending ...gormdb.Task) *mockTaskStore {
	return &mockTaskStore{pending: pending, failures: make(map[string]error)}
}

func (m *mockTaskStore) LeaseNextBatch(ctx context.Context, owner string, limit int) ([]gormdb.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaseCalls++
	n := min(limit, len(m.pending))
	out := make([]gormdb.Task, n)
	copy(out, m.pending[:n])
	m.pending = m.pending[n:]
	return out, nil
}

func (m *mockTaskStore) Complete(ctx context.Context, taskID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed = append(m.completed, taskID)
	return nil
}

func (m *mockTaskStore) FailOrRetry(ctx context.Context, taskID, owner string, taskErr error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[taskID] = taskErr
	return m.terminal, nil
}

func (m *mockTaskStore) completedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.completed))
	copy(out, m.completed)
	return out
}

func (m *mockTaskStore) failureFor(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.failures[taskID]
}

func (m *mockTaskStore) leaseCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.leaseCalls
}

func startScheduler(t *testing.T, store Store, reg *Registry, cfg Config) (*Scheduler, *Wake) {
	t.Helper()

	wake := NewWake()
	sched, err := New(store, reg, &ExecContext{}, wake, cfg, zerolog.Nop())
	require.NoError(t, err)

	go sched.Run(context.Background())
	t.Cleanup(func() {
		sched.Stop()
		sched.Wait()
	})
	return sched, wake
}

func TestSchedulerRunsTaskToCompletion(t *testing.T) {
	store := newMockTaskStore(gormdb.Task{TaskID: "t-1", Type: "echo", Payload: `{"msg":"hi"}`})

	var got atomic.Value
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		got.Store(string(payload))
		return nil
	}))

	// A long poll interval proves the wake signal, not the ticker, drove the poll.
	sched, wake := startScheduler(t, store, reg, Config{PollInterval: time.Minute})
	wake.Notify()

	require.Eventually(t, func() bool {
		return len(store.completedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"t-1"}, store.completedIDs())
	assert.Equal(t, `{"msg":"hi"}`, got.Load())

	snap := sched.Stats()
	assert.EqualValues(t, 1, snap.Leased)
	assert.EqualValues(t, 1, snap.Completed)
	assert.False(t, snap.LastActivity.IsZero())
}

func TestSchedulerUnknownTypeFailsPermanently(t *testing.T) {
	store := newMockTaskStore(gormdb.Task{TaskID: "t-1", Type: "nobody_home", Payload: `{}`})
	store.terminal = true

	sched, wake := startScheduler(t, store, NewRegistry(), Config{PollInterval: time.Minute})
	wake.Notify()

	require.Eventually(t, func() bool {
		return store.failureFor("t-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	err := store.failureFor("t-1")
	assert.ErrorIs(t, err, tasks.ErrUnknownTaskType)
	assert.True(t, tasks.IsPermanent(err), "unregistered types must not consume the retry budget")
	assert.EqualValues(t, 1, sched.Stats().Failed)
}

func TestSchedulerEnforcesHandlerTimeout(t *testing.T) {
	store := newMockTaskStore(gormdb.Task{TaskID: "slow-1", Type: "sleep", Payload: `{}`})

	reg := NewRegistry()
	require.NoError(t, reg.Register("sleep", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	sched, wake := startScheduler(t, store, reg, Config{
		PollInterval:   time.Minute,
		HandlerTimeout: 50 * time.Millisecond,
	})
	wake.Notify()

	require.Eventually(t, func() bool {
		return store.failureFor("slow-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, store.failureFor("slow-1"), tasks.ErrHandlerTimeout)

	snap := sched.Stats()
	assert.EqualValues(t, 1, snap.Timeouts)
	assert.EqualValues(t, 1, snap.Retried)
}

func TestSchedulerRecoversHandlerPanic(t *testing.T) {
	store := newMockTaskStore(gormdb.Task{TaskID: "b-1", Type: "boom", Payload: `{}`})

	reg := NewRegistry()
	require.NoError(t, reg.Register("boom", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		panic("kaboom")
	}))

	sched, wake := startScheduler(t, store, reg, Config{PollInterval: time.Minute})
	wake.Notify()

	require.Eventually(t, func() bool {
		return store.failureFor("b-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	err := store.failureFor("b-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.EqualValues(t, 1, sched.Stats().Panics)
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	var pending []gormdb.Task
	for i := 0; i < 6; i++ {
		pending = append(pending, gormdb.Task{TaskID: fmt.Sprintf("c-%d", i), Type: "count", Payload: `{}`})
	}
	store := newMockTaskStore(pending...)

	var inFlight, peak atomic.Int64
	reg := NewRegistry()
	require.NoError(t, reg.Register("count", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil
	}))

	_, wake := startScheduler(t, store, reg, Config{
		PollInterval:  time.Minute,
		BatchSize:     6,
		MaxConcurrent: 2,
	})
	wake.Notify()

	require.Eventually(t, func() bool {
		return len(store.completedIDs()) == 6
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestSchedulerDrainsQueueOnOneWake(t *testing.T) {
	var pending []gormdb.Task
	for i := 0; i < 5; i++ {
		pending = append(pending, gormdb.Task{TaskID: fmt.Sprintf("q-%d", i), Type: "noop", Payload: `{}`})
	}
	store := newMockTaskStore(pending...)

	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		return nil
	}))

	// Full batches mean more work may be waiting; the loop releases until a
	// short batch comes back.
	_, wake := startScheduler(t, store, reg, Config{PollInterval: time.Minute, BatchSize: 2})
	wake.Notify()

	require.Eventually(t, func() bool {
		return len(store.completedIDs()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, store.leaseCallCount(), 3)
}

func TestSchedulerDrainWaitsForInflight(t *testing.T) {
	store := newMockTaskStore(gormdb.Task{TaskID: "d-1", Type: "slowish", Payload: `{}`})

	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slowish", func(ctx context.Context, ec *ExecContext, payload json.RawMessage) error {
		close(started)
		time.Sleep(80 * time.Millisecond)
		return nil
	}))

	wake := NewWake()
	sched, err := New(store, reg, &ExecContext{}, wake, Config{
		PollInterval: time.Minute,
		DrainTimeout: 2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	go sched.Run(context.Background())
	wake.Notify()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	sched.Stop()
	sched.Wait()

	assert.Equal(t, []string{"d-1"}, store.completedIDs(), "in-flight handler finished before shutdown")
}

func TestSchedulerOwnerIsStable(t *testing.T) {
	sched, err := New(newMockTaskStore(), NewRegistry(), &ExecContext{}, nil, Config{}, zerolog.Nop())
	require.NoError(t, err)

	assert.NotEmpty(t, sched.Owner())
	assert.Equal(t, sched.Owner(), sched.Owner())
}

package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmere/bindery/internal/config"
)

type fakeQueue struct {
	mu           sync.Mutex
	requeueN     int64
	requeueErr   error
	purgeN       int64
	purgeErr     error
	requeueCalls int
	purgeCutoffs []time.Time
}

func (f *fakeQueue) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requeueCalls++
	return f.requeueN, f.requeueErr
}

func (f *fakeQueue) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.purgeCutoffs = append(f.purgeCutoffs, cutoff)
	return f.purgeN, f.purgeErr
}

func (f *fakeQueue) requeueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requeueCalls
}

func (f *fakeQueue) cutoffs() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]time.Time, len(f.purgeCutoffs))
	copy(out, f.purgeCutoffs)
	return out
}

type fakeOptimizer struct {
	calls int
	err   error
}

func (f *fakeOptimizer) Optimize(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestRunNowSweepsPurgesAndOptimizes(t *testing.T) {
	cfg := config.Default()
	queue := &fakeQueue{requeueN: 2, purgeN: 5}
	opt := &fakeOptimizer{}
	svc := NewService(queue, opt, cfg, zerolog.Nop())

	svc.RunNow(context.Background())

	stats := svc.Stats()
	assert.EqualValues(t, 2, stats.LeasesRequeued)
	assert.EqualValues(t, 5, stats.TasksPurged)
	assert.EqualValues(t, 1, stats.OptimizeRuns)
	assert.False(t, stats.LastRunAt.IsZero())

	cutoffs := queue.cutoffs()
	require.Len(t, cutoffs, 1)
	want := time.Now().UTC().AddDate(0, 0, -cfg.TaskRetentionDays)
	assert.WithinDuration(t, want, cutoffs[0], time.Minute)
}

func TestRunNowSkipsPurgeWithoutRetention(t *testing.T) {
	cfg := config.Default()
	cfg.TaskRetentionDays = 0

	queue := &fakeQueue{}
	svc := NewService(queue, &fakeOptimizer{}, cfg, zerolog.Nop())

	svc.RunNow(context.Background())

	assert.Empty(t, queue.cutoffs(), "retention 0 keeps terminal rows forever")
}

func TestRunNowToleratesSweepError(t *testing.T) {
	cfg := config.Default()
	queue := &fakeQueue{requeueErr: errors.New("deadlock detected"), purgeN: 1}
	svc := NewService(queue, &fakeOptimizer{}, cfg, zerolog.Nop())

	svc.RunNow(context.Background())

	stats := svc.Stats()
	assert.EqualValues(t, 0, stats.LeasesRequeued)
	assert.EqualValues(t, 1, stats.TasksPurged, "a failed sweep does not stop the purge")
}

func TestStartDisabledExitsImmediately(t *testing.T) {
	cfg := config.Default()
	cfg.MaintenanceEnabled = false

	queue := &fakeQueue{}
	svc := NewService(queue, &fakeOptimizer{}, cfg, zerolog.Nop())

	go svc.Start(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled service should exit immediately")
	}

	assert.Equal(t, 0, queue.requeueCount())
	assert.False(t, svc.Stats().Enabled)
}

func TestStartSweepsOnceThenStops(t *testing.T) {
	cfg := config.Default()
	queue := &fakeQueue{requeueN: 1}
	svc := NewService(queue, &fakeOptimizer{}, cfg, zerolog.Nop())

	go svc.Start(context.Background())

	require.Eventually(t, func() bool {
		return queue.requeueCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "initial sweep runs without waiting a tick")

	svc.Stop()
	svc.Wait()

	assert.EqualValues(t, 1, svc.Stats().LeasesRequeued)
}

func TestLeaseSweepIntervalClamps(t *testing.T) {
	cfg := config.Default()
	svc := NewService(&fakeQueue{}, nil, cfg, zerolog.Nop())

	cfg.LeaseDurationSeconds = 10
	assert.Equal(t, 15*time.Second, svc.leaseSweepInterval())

	cfg.LeaseDurationSeconds = 120
	assert.Equal(t, time.Minute, svc.leaseSweepInterval())

	cfg.LeaseDurationSeconds = 36000
	assert.Equal(t, 5*time.Minute, svc.leaseSweepInterval())
}

// Package maintenance keeps the task queue healthy in the background.
// Expired leases go back to pending so crashed workers cannot strand tasks,
// terminal rows age out after the retention window, and the database gets
// periodic optimization.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackmere/bindery/internal/config"
)

// TaskMaintainer is the queue surface the sweeps run against.
type TaskMaintainer interface {
	RequeueExpiredLeases(ctx context.Context) (int64, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Optimizer runs storage-level upkeep.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Stats is the maintenance block of the stats endpoint.
type Stats struct {
	LastRunAt         time.Time `json:"last_run_at"`
	LastRunDurationMS int64     `json:"last_run_duration_ms"`
	LeasesRequeued    int64     `json:"leases_requeued"`
	TasksPurged       int64     `json:"tasks_purged"`
	OptimizeRuns      int64     `json:"optimize_runs"`
	Enabled           bool      `json:"enabled"`
}

// Service runs the maintenance loops.
type Service struct {
	log     zerolog.Logger
	tasks   TaskMaintainer
	opt     Optimizer
	config  *config.Config
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	stats   Stats
}

// NewService creates a new maintenance service.
func NewService(tasks TaskMaintainer, opt Optimizer, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		tasks:  tasks,
		opt:    opt,
		config: cfg,
		log:    log.With().Str("component", "maintenance").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// leaseSweepInterval derives the expired-lease sweep cadence from the lease
// duration: half a lease, clamped so a misconfigured lease cannot make the
// sweep hammer the table or sleep through crashes.
func (s *Service) leaseSweepInterval() time.Duration {
	lease := time.Duration(s.config.LeaseDurationSeconds) * time.Second
	sweep := lease / 2
	if sweep < 15*time.Second {
		sweep = 15 * time.Second
	}
	if sweep > 5*time.Minute {
		sweep = 5 * time.Minute
	}
	return sweep
}

// Start begins the maintenance loops. Blocks until Stop or ctx cancellation;
// call from a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stats.Enabled = s.config.MaintenanceEnabled
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.config.MaintenanceEnabled {
		s.log.Info().Msg("Maintenance disabled, not starting")
		return
	}

	interval := max(time.Duration(s.config.MaintenanceIntervalHours)*time.Hour, time.Hour)
	sweepEvery := s.leaseSweepInterval()

	s.log.Info().
		Dur("interval", interval).
		Dur("lease_sweep", sweepEvery).
		Int("retention_days", s.config.TaskRetentionDays).
		Msg("Starting maintenance")

	// Sweep once right away: tasks stranded by a previous crash should not
	// wait out the first tick.
	s.runLeaseSweep(ctx)

	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()
	runTicker := time.NewTicker(interval)
	defer runTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down (context done)")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down (stop signal)")
			return
		case <-sweepTicker.C:
			s.runLeaseSweep(ctx)
		case <-runTicker.C:
			s.runMaintenance(ctx)
		}
	}
}

// Stop signals the maintenance service to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until the maintenance loop has exited.
func (s *Service) Wait() {
	<-s.doneCh
}

// RunNow executes one full maintenance pass immediately, sweep included.
func (s *Service) RunNow(ctx context.Context) {
	s.runLeaseSweep(ctx)
	s.runMaintenance(ctx)
}

// Stats returns a copy of the run counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// runLeaseSweep returns expired running claims to pending.
func (s *Service) runLeaseSweep(ctx context.Context) {
	requeued, err := s.tasks.RequeueExpiredLeases(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to requeue expired leases")
		return
	}
	if requeued > 0 {
		// Expired leases mean a worker died or a handler overran its lease.
		s.log.Warn().Int64("requeued", requeued).Msg("Requeued expired leases")
	}

	s.mu.Lock()
	s.stats.LeasesRequeued += requeued
	s.mu.Unlock()
}

// runMaintenance executes the retention purge and storage optimization.
func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()
	s.log.Info().Msg("Starting maintenance run")

	var purged int64
	if s.config.TaskRetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.config.TaskRetentionDays)
		n, err := s.tasks.PurgeTerminalBefore(ctx, cutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to purge terminal tasks")
		} else if n > 0 {
			purged = n
			s.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Purged terminal tasks")
		}
	}

	var optimized bool
	if s.opt != nil {
		if err := s.opt.Optimize(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to optimize database")
		} else {
			optimized = true
		}
	}

	s.mu.Lock()
	s.stats.LastRunAt = time.Now().UTC()
	s.stats.LastRunDurationMS = time.Since(start).Milliseconds()
	s.stats.TasksPurged += purged
	if optimized {
		s.stats.OptimizeRuns++
	}
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int64("purged", purged).
		Msg("Maintenance run completed")
}

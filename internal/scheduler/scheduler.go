// Package scheduler launches recurring runs of registered graphs from
// cron-scheduled jobs held in the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dcastano/stepgate/internal/store"
)

// WorkflowRunner is the interface the scheduler uses to launch runs.
// Satisfied by the orchestrator (avoids an import cycle).
type WorkflowRunner interface {
	RunGraph(ctx context.Context, graphID string, inputs map[string]any) (workflowID string, err error)
}

// Options configure a Scheduler.
type Options struct {
	// TickInterval between due-job sweeps. Defaults to 60s.
	TickInterval time.Duration
	// PoolSize bounds concurrent job launches. Defaults to 4.
	PoolSize int
}

// Scheduler polls the store for due scheduled jobs and launches them
// through a bounded dispatch pool.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	pool   *dispatchPool
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently launching (dedup)
}

// New creates a Scheduler over the given store and runner.
func New(s store.Store, runner WorkflowRunner, logger *slog.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 60 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     opts.TickInterval,
		pool:     newDispatchPool(opts.PoolSize),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run an initial sweep immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick sweeps all enabled jobs and launches those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // still launching from a previous sweep
		}
		job := job
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(job.ID)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.release(job.ID)
			s.logger.Error("failed to dispatch scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runJob launches one run of the job's graph and advances its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("launching scheduled job",
		slog.String("job_id", job.ID),
		slog.String("graph_id", job.GraphID),
	)

	workflowID, err := s.runner.RunGraph(ctx, job.GraphID, job.Inputs)
	if err != nil {
		s.logger.Error("scheduled job launch failed",
			slog.String("job_id", job.ID),
			slog.String("graph_id", job.GraphID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled job launched",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", workflowID),
		)
	}

	if uerr := s.advanceJob(ctx, job, now); uerr != nil {
		return uerr
	}
	return err
}

func (s *Scheduler) advanceJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	nextRun, err := s.CalculateNextRun(job.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire returns true and marks the job in-flight if it is not already.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next fire time for a standard 5-field
// cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateCronExpr reports whether a cron expression parses.
func (s *Scheduler) ValidateCronExpr(cronExpr string) error {
	if _, err := s.parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// RecoverMissed launches jobs whose next_run_at passed while the process
// was down, once each, and advances their schedules. Launches go through
// the dispatch pool; RecoverMissed returns once they have all finished.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	var recovered atomic.Int64
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		job := job
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(job.ID)
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				return err
			}
			recovered.Add(1)
			return nil
		})
		if err != nil {
			s.release(job.ID)
			s.logger.Error("failed to dispatch missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.pool.Wait()

	if n := recovered.Load(); n > 0 {
		s.logger.Info("recovered missed jobs", slog.Int64("count", n))
	}
	return nil
}

// PoolMetrics returns dispatch pool counters.
func (s *Scheduler) PoolMetrics() PoolMetrics {
	return s.pool.Metrics()
}

// Stop gracefully shuts down the scheduling loop and drains the pool.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.pool.Shutdown()
	s.logger.Info("scheduler stopped")
	return nil
}

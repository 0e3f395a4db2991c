// Package scheduler provides cron-based scheduling for CarePipe.
//
// Its main consumer is the nightly reconciliation sweep, which fails overdue
// patient tasks and requeues work stuck in flight.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/CareSignal/CarePipe/internal/store"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the reconciliation sweep nightly at 03:00.
const DefaultSweepSchedule = "0 3 * * *"

// DefaultOverdueGraceDays is how long a pending task may sit past its
// scheduled date before the sweep marks it failed.
const DefaultOverdueGraceDays = 1

// DefaultStaleThreshold is how long a job or outbox row may stay in flight
// before the sweep considers it abandoned.
const DefaultStaleThreshold = 10 * time.Minute

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Sweeper reconciles state that drifted while the service was down or busy.
type Sweeper struct {
	store            store.Store
	jobs             store.JobRepo
	outbox           store.OutboxRepo
	overdueGraceDays int
	staleThreshold   time.Duration
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithOverdueGraceDays overrides how many days past their scheduled date
// pending tasks are tolerated.
func WithOverdueGraceDays(days int) SweeperOption {
	return func(s *Sweeper) {
		s.overdueGraceDays = days
	}
}

// WithStaleThreshold overrides the in-flight age after which jobs and outbox
// rows are requeued.
func WithStaleThreshold(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.staleThreshold = d
	}
}

// NewSweeper creates a Sweeper over the given store, job queue, and outbox.
func NewSweeper(st store.Store, jobs store.JobRepo, outbox store.OutboxRepo, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:            st,
		jobs:             jobs,
		outbox:           outbox,
		overdueGraceDays: DefaultOverdueGraceDays,
		staleThreshold:   DefaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one reconciliation pass. Each step is independent; a failure in
// one is logged and the rest still run.
func (s *Sweeper) Sweep() {
	now := time.Now()

	cutoff := now.AddDate(0, 0, -s.overdueGraceDays)
	failed, err := s.store.MarkOverdueTasksFailed(cutoff)
	if err != nil {
		slog.Error("Sweeper.Sweep: failed to mark overdue tasks", "error", err)
	} else if failed > 0 {
		slog.Info("Sweeper.Sweep: overdue tasks marked failed", "count", failed, "cutoff", cutoff)
	}

	staleBefore := now.Add(-s.staleThreshold)
	requeued, err := s.jobs.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		slog.Error("Sweeper.Sweep: failed to requeue stale jobs", "error", err)
	} else if requeued > 0 {
		slog.Info("Sweeper.Sweep: stale jobs requeued", "count", requeued)
	}

	requeued, err = s.outbox.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		slog.Error("Sweeper.Sweep: failed to requeue stale outbox messages", "error", err)
	} else if requeued > 0 {
		slog.Info("Sweeper.Sweep: stale outbox messages requeued", "count", requeued)
	}
}

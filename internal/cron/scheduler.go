// Package cron runs the periodic maintenance jobs of the learning engine:
// pattern consolidation, working-memory sweeps, episode pruning, and
// stale-pattern deactivation.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/hopper/internal/learning"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and schedules for the maintenance scheduler.
// Empty expressions fall back to the defaults; retention and staleness knobs
// default to 90 days / 30 days at confidence 0.3.
type Config struct {
	Engine   *learning.Engine
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	ConsolidationExpr string // default "0 * * * *"
	MemorySweepExpr   string // default "*/10 * * * *"
	EpisodePruneExpr  string // default "30 3 * * *"
	PatternSweepExpr  string // default "45 3 * * *"

	EpisodeRetention       time.Duration
	PatternStaleAfter      time.Duration
	PatternConfidenceFloor float64
}

// job is one named maintenance routine with its own cron schedule.
type job struct {
	name string
	expr string
	run  func(ctx context.Context) error
	next time.Time
}

// Scheduler ticks at a fixed interval and fires whichever maintenance jobs
// are due, recomputing each job's next run from its cron expression.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the scheduler and validates every cron expression up
// front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EpisodeRetention <= 0 {
		cfg.EpisodeRetention = 90 * 24 * time.Hour
	}
	if cfg.PatternStaleAfter <= 0 {
		cfg.PatternStaleAfter = 30 * 24 * time.Hour
	}
	if cfg.PatternConfidenceFloor <= 0 {
		cfg.PatternConfidenceFloor = 0.3
	}

	eng := cfg.Engine
	jobs := []*job{
		{
			name: "consolidation",
			expr: orDefault(cfg.ConsolidationExpr, "0 * * * *"),
			run: func(ctx context.Context) error {
				_, err := eng.RunConsolidation(ctx, time.Time{})
				return err
			},
		},
		{
			name: "memory-sweep",
			expr: orDefault(cfg.MemorySweepExpr, "*/10 * * * *"),
			run: func(ctx context.Context) error {
				_, err := eng.SweepWorkingMemory(ctx)
				return err
			},
		},
		{
			name: "episode-prune",
			expr: orDefault(cfg.EpisodePruneExpr, "30 3 * * *"),
			run: func(ctx context.Context) error {
				_, err := eng.PruneEpisodes(ctx, cfg.EpisodeRetention)
				return err
			},
		},
		{
			name: "pattern-sweep",
			expr: orDefault(cfg.PatternSweepExpr, "45 3 * * *"),
			run: func(ctx context.Context) error {
				_, err := eng.DeactivateStalePatterns(ctx, cfg.PatternConfidenceFloor, cfg.PatternStaleAfter)
				return err
			},
		},
	}
	now := time.Now()
	for _, j := range jobs {
		next, err := NextRunTime(j.expr, now)
		if err != nil {
			return nil, fmt.Errorf("cron: bad expression for %s: %w", j.name, err)
		}
		j.next = next
	}

	return &Scheduler{
		logger:   logger,
		interval: interval,
		jobs:     jobs,
	}, nil
}

func orDefault(expr, def string) string {
	if expr == "" {
		return def
	}
	return expr
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunAll fires every job once, regardless of schedule. Used at startup and
// by the admin maintenance endpoint.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, j := range s.jobs {
		s.fire(ctx, j, time.Now())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		s.fire(ctx, j, now)
	}
}

// fire runs one job and advances its next run time.
func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	start := time.Now()
	if err := j.run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", j.name, "error", err)
	} else {
		s.logger.Info("cron: job fired", "job", j.name, "elapsed", time.Since(start))
	}

	next, err := NextRunTime(j.expr, now)
	if err != nil {
		// Validated at construction; keep the job alive on the off chance.
		s.logger.Error("cron: failed to compute next run time", "job", j.name, "cron_expr", j.expr, "error", err)
		next = now.Add(time.Hour)
	}
	j.next = next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

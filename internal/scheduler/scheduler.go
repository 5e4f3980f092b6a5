// Package scheduler runs periodic housekeeping jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts six-field cron expressions (seconds first) and descriptors
// such as @hourly.
var Parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context)

// Scheduler manages cron-scheduled jobs. A job never overlaps with itself.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{logger: slog.Default()}
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return s
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// ValidateSchedule checks a cron expression.
func ValidateSchedule(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Add registers a job. It can be called before or after Start.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		start := time.Now()
		s.logger.DebugContext(ctx, "scheduled job started", slog.String("job", name))
		fn(ctx)
		s.logger.DebugContext(ctx, "scheduled job finished",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}

	s.logger.Info("job scheduled",
		slog.String("job", name),
		slog.String("schedule", spec),
	)
	return nil
}

// Start begins running scheduled jobs. Jobs receive a context derived from
// ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// NextRun returns the next activation time of the first job, or the zero
// time when nothing is scheduled.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Package scheduler runs the periodic catalog refresh: on a cron
// schedule it reloads the dataset documents and the authorization
// profiles, publishing new snapshots without a restart. It runs as a
// background goroutine inside the gateway, checking due time at a
// fixed interval (default 30s).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultInterval is how often the scheduler checks whether the cron
// schedule is due.
const defaultInterval = 30 * time.Second

// Job is one named reload action. Jobs must be safe to run repeatedly;
// a failing job logs and is retried on the next due time.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler fires the registered jobs whenever the cron schedule is due.
type Scheduler struct {
	schedule cron.Schedule
	jobs     []Job
	interval time.Duration
	next     time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler for the given cron expression (standard five
// field syntax).
func New(expr string, jobs ...Job) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		schedule: schedule,
		jobs:     jobs,
		interval: defaultInterval,
		next:     schedule.Next(time.Now()),
	}, nil
}

// Start begins the background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, time.Now())
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick fires the jobs when the schedule is due and advances the next
// due time past now, so a long outage catches up once instead of
// replaying every missed slot.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.next.After(now) {
		return
	}
	s.RunNow(ctx)
	s.next = s.schedule.Next(now)
}

// RunNow fires every job once, logging failures. Jobs keep their
// previous state on failure, so a partial refresh is safe.
func (s *Scheduler) RunNow(ctx context.Context) {
	for _, job := range s.jobs {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			slog.Error("scheduler: job failed", "job", job.Name, "error", err)
			continue
		}
		slog.Debug("scheduler: job completed", "job", job.Name, "elapsed", time.Since(start))
	}
}

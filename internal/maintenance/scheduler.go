// Package maintenance runs periodic housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"bizdesk.io/internal/obs"
)

// Job is one unit of housekeeping. Run receives a context that is cancelled
// when the scheduler stops.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Sweeper clears lapsed lockouts and one-time tokens.
type Sweeper interface {
	ClearExpired(ctx context.Context) (int64, error)
}

// SweepJob wraps a Sweeper as a Job.
func SweepJob(s Sweeper) Job {
	return Job{
		Name:    "clear_expired",
		Timeout: time.Minute,
		Run: func(ctx context.Context) error {
			n, err := s.ClearExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				obs.Logger().WithField("rows", n).Info("cleared expired lockouts and tokens")
			}
			return nil
		},
	}
}

// Scheduler owns a cron instance.
type Scheduler struct {
	schedule string
	jobs     []Job
	log      *logrus.Logger
}

// New validates the schedule expression up front.
func New(schedule string, jobs ...Job) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	if len(jobs) == 0 {
		return nil, errors.New("maintenance: no jobs")
	}
	return &Scheduler{schedule: schedule, jobs: jobs, log: obs.Logger()}, nil
}

// Run starts the jobs and blocks until ctx is cancelled. It waits for any
// job already in flight before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(s.log)),
	))
	for _, job := range s.jobs {
		job := job
		if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx, job) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	c.Start()
	s.log.WithField("schedule", s.schedule).Info("maintenance scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("maintenance scheduler stopped")
	return nil
}

// RunOnce executes a single job immediately and logs the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := job.Run(ctx)
	entry := s.log.WithFields(logrus.Fields{
		"job":         job.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("maintenance job failed")
		return
	}
	entry.Debug("maintenance job finished")
}

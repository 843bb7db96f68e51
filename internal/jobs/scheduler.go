// Package jobs runs the periodic maintenance work of the pipeline on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"availability-backend/internal/metrics"
)

const (
	lockPrefix     = "availability:job:"
	defaultTimeout = 5 * time.Minute
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	locker Locker
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler evaluating specs in loc. Specs accept an
// optional seconds field and descriptors such as "@every 1m".
func NewScheduler(locker Locker, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		parser: parser,
		locker: locker,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job. An empty schedule disables it.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		log.Info().Str("job", job.Name).Msg("job has no schedule, not registering")
		return nil
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultTimeout
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunNow(s.ctx, job) }); err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name, err)
	}
	log.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("registered job")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

// RunNow runs job once if its lock is free and reports the outcome.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	if job.Timeout <= 0 {
		job.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	release, ok, err := s.locker.Acquire(ctx, lockPrefix+job.Name, job.Timeout)
	if err != nil {
		log.Warn().Err(err).Str("job", job.Name).Msg("failed to acquire job lock")
		metrics.IncJobRun(job.Name, "lock_error")
		return
	}
	if !ok {
		log.Debug().Str("job", job.Name).Msg("job is running elsewhere, skipping")
		metrics.IncJobRun(job.Name, "skipped")
		return
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.Warn().Err(err).Str("job", job.Name).Msg("failed to release job lock")
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Str("job", job.Name).Dur("took", time.Since(start)).Msg("job failed")
		metrics.IncJobRun(job.Name, "error")
		return
	}
	log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job finished")
	metrics.IncJobRun(job.Name, "ok")
}

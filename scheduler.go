package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type reminderJob interface {
	Run(ctx context.Context) (int, error)
}

// scheduler runs the periodic jobs of the bot on a cron schedule.
type scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	// jobTimeout bounds a single run.
	jobTimeout time.Duration
}

func newScheduler(logger *slog.Logger) *scheduler {
	logger = logger.With("component", "scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger:     logger,
		jobTimeout: 10 * time.Minute,
	}
}

// Start registers the reminder job, runs it once right away and starts the cron.
func (s *scheduler) Start(ctx context.Context, spec string, job reminderJob) error {
	if _, err := s.cron.AddFunc(spec, func() { s.remind(ctx, job) }); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "scheduled reminder job", "schedule", spec)

	go s.remind(ctx, job)
	s.cron.Start()
	return nil
}

// Stop stops the cron; the returned context is done when running jobs finish.
func (s *scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *scheduler) remind(ctx context.Context, job reminderJob) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	sent, err := job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "reminder run failed", "sent", sent, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "reminder run finished", "sent", sent)
}

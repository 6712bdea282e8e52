package main

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// scheduler runs one job on a cron schedule. Overlapping runs are skipped.
type scheduler struct {
	cron *cron.Cron
	job  func(context.Context)
	ctx  context.Context
}

func newScheduler(schedule string, log *slog.Logger, job func(context.Context)) (*scheduler, error) {
	cl := cronLogger{log: log.With(logger.Component("scheduler"))}
	s := &scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		job:  job,
		ctx:  context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.job(s.ctx) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduling. Jobs receive ctx.
func (s *scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop waits for a running job to return.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{logger.Error(err)}, keysAndValues...)...)
}

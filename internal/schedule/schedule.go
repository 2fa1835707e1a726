// Package schedule triggers dispatch runs on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/dispatcher"
	"github.com/jmehdipour/outreach-dispatcher/internal/governor"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is what the scheduler triggers. *dispatcher.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, opts dispatcher.RunOptions) (dispatcher.Summary, error)
}

type Scheduler struct {
	spec   string
	runner Runner
	opts   dispatcher.RunOptions
	log    *zap.Logger
	cron   *cron.Cron
}

// New validates spec (standard five fields or a descriptor such as "@every 10m").
// A tick that fires while the previous run is still going is skipped.
func New(spec string, loc *time.Location, runner Runner, opts dispatcher.RunOptions, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}

	cl := cronLogger{log.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{spec: spec, runner: runner, opts: opts, log: log, cron: c}, nil
}

// Run blocks until ctx is cancelled, then waits for an in-flight run to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Trigger(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.String("spec", s.spec))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// Trigger performs one run and logs its outcome. Aborted runs are expected (halts,
// empty pools) and never stop the schedule.
func (s *Scheduler) Trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sum, err := s.runner.Run(ctx, s.opts)
	var halt *governor.HaltError
	switch {
	case errors.As(err, &halt):
		s.log.Warn("scheduled run halted", zap.String("severity", string(halt.Severity)), zap.String("reason", halt.Reason))
	case errors.Is(err, dispatcher.ErrNoSenders):
		s.log.Info("scheduled run found no eligible senders")
	case err != nil:
		s.log.Error("scheduled run failed", zap.Error(err))
	default:
		s.log.Info("scheduled run done", zap.String("run_id", sum.RunID), zap.Int("sent", sum.Sent))
	}
}

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const runTimeout = 10 * time.Minute

// Scheduler triggers the daily rollup on a cron schedule
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *zap.Logger
}

// NewScheduler registers job.Run on a standard five-field cron schedule,
// evaluated in loc
func NewScheduler(job *Job, schedule string, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		job:    job,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid rollup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	report, err := s.job.Run(ctx, s.job.now())
	if err != nil {
		// Job already logged and counted the failure
		return
	}
	s.logger.Debug("scheduled rollup finished",
		zap.Time("day", report.Day),
		zap.Int("devices", report.Devices),
	)
}

// Start starts the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running job until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rollup still running at shutdown: %w", ctx.Err())
	}
}

// RegisterLifecycle registers the scheduler with Fx lifecycle
func (s *Scheduler) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			s.logger.Info("rollup scheduler started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := s.Stop(ctx); err != nil {
				s.logger.Error("failed to stop rollup scheduler", zap.Error(err))
				return err
			}
			s.logger.Info("rollup scheduler stopped")
			return nil
		},
	})
}

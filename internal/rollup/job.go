package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/metrics"
	"github.com/septivank/energy-usage-service/internal/repository"
	"go.uber.org/zap"
)

// Report summarizes one rollup run
type Report struct {
	Day     time.Time `json:"day"`
	Devices int       `json:"devices"`
}

// Job materializes daily period stats from raw readings. Stats are a
// rebuildable cache: re-running a day overwrites its rows.
type Job struct {
	store  repository.RollupStore
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewJob creates a daily rollup job using loc for day boundaries
func NewJob(store repository.RollupStore, loc *time.Location, logger *zap.Logger) *Job {
	if loc == nil {
		loc = time.Local
	}
	return &Job{
		store:  store,
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// Run rolls up the calendar day before at
func (j *Job) Run(ctx context.Context, at time.Time) (Report, error) {
	y, m, d := at.In(j.loc).Date()
	return j.RollupDay(ctx, time.Date(y, m, d-1, 0, 0, 0, 0, j.loc))
}

// RollupDay rolls up the calendar date of day, midnight to midnight in the
// job's location. Devices without readings that day get no row.
func (j *Job) RollupDay(ctx context.Context, day time.Time) (report Report, err error) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, j.loc)
	end := time.Date(y, m, d+1, 0, 0, 0, 0, j.loc)
	periodStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	report.Day = periodStart
	logger := j.logger.With(zap.String("day", periodStart.Format(time.DateOnly)))
	defer func() {
		metrics.ObserveRollup(report.Devices, err)
	}()

	summaries, err := j.store.SummarizeReadings(ctx, start, end)
	if err != nil {
		logger.Error("daily rollup failed", zap.Error(err))
		return report, fmt.Errorf("failed to summarize readings: %w", err)
	}

	updatedAt := j.now().UTC()
	stats := make([]db.PeriodStat, 0, len(summaries))
	for _, s := range summaries {
		stats = append(stats, db.PeriodStat{
			DeviceID:    s.DeviceID,
			PeriodType:  db.PeriodDaily,
			PeriodStart: periodStart,
			TotalEnergy: s.MaxCumulative - s.MinCumulative,
			AvgPower:    s.AvgPower,
			MaxPower:    s.MaxPower,
			UpdatedAt:   updatedAt,
		})
	}

	if len(stats) > 0 {
		if err := j.store.UpsertPeriodStats(ctx, stats); err != nil {
			logger.Error("daily rollup failed", zap.Error(err))
			return report, fmt.Errorf("failed to upsert period stats: %w", err)
		}
	}

	report.Devices = len(stats)
	logger.Info("daily rollup completed", zap.Int("devices", report.Devices))
	return report, nil
}

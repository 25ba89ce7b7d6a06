package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/repository"
)

// 2024-05-10 14:37 UTC
var now = time.Date(2024, 5, 10, 14, 37, 0, 0, time.UTC)

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	e := NewEngine(store, time.UTC, ttl)
	e.now = func() time.Time { return now }
	return e, store
}

func reading(deviceID int64, at time.Time, cumulative float64) db.Reading {
	return db.Reading{DeviceID: deviceID, Power: 100, CumulativeEnergy: cumulative, RecordedAt: at}
}

func dailyStat(deviceID int64, day time.Time, total float64) db.PeriodStat {
	return db.PeriodStat{DeviceID: deviceID, PeriodType: db.PeriodDaily, PeriodStart: day, TotalEnergy: total}
}

func TestResolveRange(t *testing.T) {
	res, err := ResolveRange("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, res.Interval)
	assert.Equal(t, "7 days", res.Describe())
	assert.Equal(t, db.PeriodDaily, res.PeriodType)
	assert.Equal(t, SourcePeriodStats, res.Source)

	res, err = ResolveRange("24h")
	require.NoError(t, err)
	assert.Equal(t, 24, res.Buckets)
	assert.True(t, res.Hourly())

	for _, bad := range []string{"99d", "", "24H", "1w"} {
		_, err := ResolveRange(bad)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, bad)
	}
}

func TestUsageSeries_24hIsGapFree(t *testing.T) {
	e, store := newTestEngine(t, 0)
	ctx := context.Background()

	points, err := e.UsageSeries(ctx, repository.Scope{}, "24h")
	require.NoError(t, err)
	require.Len(t, points, 24)
	assert.True(t, points[0].BucketStart.Equal(time.Date(2024, 5, 9, 15, 0, 0, 0, time.UTC)))
	assert.True(t, points[23].BucketStart.Equal(time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)))
	for _, p := range points {
		assert.Zero(t, p.Energy)
	}

	a := store.AddDevice("plug-a", 1)
	b := store.AddDevice("plug-b", 1)
	hour := time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)
	store.AppendReading(reading(a.ID, hour.Add(5*time.Minute), 10))
	store.AppendReading(reading(a.ID, hour.Add(50*time.Minute), 40))
	store.AppendReading(reading(b.ID, hour.Add(10*time.Minute), 100))
	store.AppendReading(reading(b.ID, hour.Add(20*time.Minute), 105))
	// outside the window
	store.AppendReading(reading(a.ID, time.Date(2024, 5, 9, 14, 59, 0, 0, time.UTC), 0))

	points, err = e.UsageSeries(ctx, repository.Scope{}, "24h")
	require.NoError(t, err)
	require.Len(t, points, 24)
	assert.Equal(t, 35.0, points[22].Energy)
	assert.Zero(t, points[23].Energy)

	points, err = e.UsageSeries(ctx, repository.Scope{DeviceID: b.ID}, "24h")
	require.NoError(t, err)
	assert.Equal(t, 5.0, points[22].Energy)
}

func TestUsageSeries_DailyFromPeriodStats(t *testing.T) {
	e, store := newTestEngine(t, 0)
	ctx := context.Background()

	a := store.AddDevice("plug-a", 1)
	b := store.AddDevice("plug-b", 2)
	gone := store.AddDevice("plug-gone", 1)
	store.DeleteDevice(gone.ID)

	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertPeriodStats(ctx, []db.PeriodStat{
		dailyStat(a.ID, today.AddDate(0, 0, -1), 100),
		dailyStat(b.ID, today.AddDate(0, 0, -1), 50),
		dailyStat(a.ID, today.AddDate(0, 0, -6), 7),
		dailyStat(a.ID, today.AddDate(0, 0, -7), 1000),
		dailyStat(gone.ID, today.AddDate(0, 0, -1), 999),
	}))

	points, err := e.UsageSeries(ctx, repository.Scope{}, "7d")
	require.NoError(t, err)
	require.Len(t, points, 7)
	assert.True(t, points[0].BucketStart.Equal(today.AddDate(0, 0, -6)))
	assert.True(t, points[6].BucketStart.Equal(today))
	assert.Equal(t, 7.0, points[0].Energy)
	assert.Equal(t, 150.0, points[5].Energy)
	assert.Zero(t, points[6].Energy)

	points, err = e.UsageSeries(ctx, repository.Scope{UserID: 2}, "30d")
	require.NoError(t, err)
	require.Len(t, points, 30)
	assert.Equal(t, 50.0, points[28].Energy)
}

func TestUsageSeries_Errors(t *testing.T) {
	e, store := newTestEngine(t, 0)
	ctx := context.Background()

	_, err := e.UsageSeries(ctx, repository.Scope{}, "99d")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	store.SetFailure("bucket_energy", errors.New("timeout"))
	points, err := e.UsageSeries(ctx, repository.Scope{}, "24h")
	assert.ErrorIs(t, err, apperr.ErrStorageFailure)
	assert.Nil(t, points)

	store.SetFailure("daily_totals", errors.New("timeout"))
	_, err = e.UsageSeries(ctx, repository.Scope{}, "7d")
	assert.ErrorIs(t, err, apperr.ErrStorageFailure)
}

func TestMostUsedDevices(t *testing.T) {
	e, store := newTestEngine(t, 0)
	ctx := context.Background()

	a := store.AddDevice("plug-a", 1)
	b := store.AddDevice("plug-b", 1)
	c := store.AddDevice("plug-c", 1)
	store.AddDevice("plug-idle", 1)
	other := store.AddDevice("plug-other-user", 2)

	store.AppendReading(reading(a.ID, now.Add(-20*time.Hour), 0))
	store.AppendReading(reading(a.ID, now.Add(-time.Hour), 30))
	store.AppendReading(reading(b.ID, now.Add(-10*time.Hour), 10))
	store.AppendReading(reading(b.ID, now.Add(-2*time.Hour), 40))
	store.AppendReading(reading(c.ID, now.Add(-3*time.Hour), 5))
	store.AppendReading(reading(c.ID, now.Add(-2*time.Hour), 15))
	store.AppendReading(reading(other.ID, now.Add(-2*time.Hour), 0))
	store.AppendReading(reading(other.ID, now.Add(-time.Hour), 500))
	// older than 24h, ignored
	store.AppendReading(reading(c.ID, now.Add(-30*time.Hour), 0))

	ranking, err := e.MostUsedDevices(ctx, repository.Scope{UserID: 1}, "24h", 5)
	require.NoError(t, err)
	require.Len(t, ranking, 3)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{ranking[0].DeviceID, ranking[1].DeviceID, ranking[2].DeviceID})
	assert.Equal(t, "plug-a", ranking[0].Name)
	assert.Equal(t, 30.0, ranking[0].TotalEnergy)
	assert.Equal(t, 10.0, ranking[2].TotalEnergy)

	ranking, err = e.MostUsedDevices(ctx, repository.Scope{UserID: 1}, "24h", 1)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, a.ID, ranking[0].DeviceID)

	_, err = e.MostUsedDevices(ctx, repository.Scope{}, "24h", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = e.MostUsedDevices(ctx, repository.Scope{}, "1y", 3)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestMostUsedDevices_DailyAndDeleted(t *testing.T) {
	e, store := newTestEngine(t, 0)
	ctx := context.Background()

	a := store.AddDevice("plug-a", 1)
	b := store.AddDevice("plug-b", 1)
	gone := store.AddDevice("plug-gone", 1)
	store.DeleteDevice(gone.ID)

	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertPeriodStats(ctx, []db.PeriodStat{
		dailyStat(a.ID, today.AddDate(0, 0, -1), 20),
		dailyStat(a.ID, today.AddDate(0, 0, -2), 30),
		dailyStat(b.ID, today.AddDate(0, 0, -3), 50),
		dailyStat(gone.ID, today.AddDate(0, 0, -1), 1000),
	}))

	ranking, err := e.MostUsedDevices(ctx, repository.Scope{}, "7d", 10)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	// equal totals order by device id
	assert.Equal(t, a.ID, ranking[0].DeviceID)
	assert.Equal(t, 50.0, ranking[0].TotalEnergy)
	assert.Equal(t, b.ID, ranking[1].DeviceID)

	again, err := e.MostUsedDevices(ctx, repository.Scope{}, "7d", 10)
	require.NoError(t, err)
	assert.Equal(t, ranking, again)
}

func TestEngine_CachesResults(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)
	ctx := context.Background()

	a := store.AddDevice("plug-a", 1)
	store.AppendReading(reading(a.ID, now.Add(-30*time.Minute), 0))
	store.AppendReading(reading(a.ID, now.Add(-10*time.Minute), 12))

	first, err := e.UsageSeries(ctx, repository.Scope{}, "24h")
	require.NoError(t, err)

	store.SetFailure("bucket_energy", errors.New("down"))
	second, err := e.UsageSeries(ctx, repository.Scope{}, "24h")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = e.UsageSeries(ctx, repository.Scope{DeviceID: a.ID}, "24h")
	assert.Error(t, err, "a different scope must not hit the cache")
}

package repository

import (
	"context"
	"time"

	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

// Scope narrows aggregate queries. Zero values mean "no filter".
// Soft-deleted devices are always excluded.
type Scope struct {
	UserID   int64
	DeviceID int64
}

// BucketEnergy is max-min cumulative energy of one device inside one bucket.
// Bucket is the zero-based index from the window start.
type BucketEnergy struct {
	DeviceID int64
	Bucket   int
	Energy   float64
}

// DailyTotal is one daily period stat total
type DailyTotal struct {
	DeviceID    int64
	PeriodStart time.Time
	TotalEnergy float64
}

// DeviceEnergy is the energy a device consumed over a window
type DeviceEnergy struct {
	DeviceID    int64
	Name        string
	TotalEnergy float64
}

// ReadingSummary folds one device's readings over a window
type ReadingSummary struct {
	DeviceID      int64
	MinCumulative float64
	MaxCumulative float64
	AvgPower      float64
	MaxPower      float64
	Count         int64
}

// Directory resolves device references to non-deleted devices
type Directory interface {
	ResolveDevice(ctx context.Context, ref telemetry.DeviceRef) (*db.Device, error)
}

// DeviceTx is the write unit held under a device's exclusive lock.
// Nothing it does is visible to others until the surrounding call commits.
type DeviceTx interface {
	// Device is the locked device row as read at lock time
	Device() db.Device
	// LatestReading returns the most recent reading by recorded_at, or nil when there is none
	LatestReading(ctx context.Context) (*db.Reading, error)
	// InsertReading appends r and sets its ID
	InsertReading(ctx context.Context, r *db.Reading) error
	// UpdateDeviceState writes last_seen and the fault latch
	UpdateDeviceState(ctx context.Context, lastSeen time.Time, state fault.State) error
}

// IngestStore is what the reading accumulator needs
type IngestStore interface {
	Directory
	// WithDeviceLock runs fn while holding the device's exclusive lock and
	// commits only if fn returns nil.
	WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx DeviceTx) error) error
}

// QueryStore serves the device level read operations
type QueryStore interface {
	Directory
	LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error)
	ListReadings(ctx context.Context, deviceID int64, from, to time.Time) ([]db.Reading, error)
	PeriodStat(ctx context.Context, deviceID int64, periodType db.PeriodType, periodStart time.Time) (*db.PeriodStat, error)
	FaultyDevices(ctx context.Context) ([]db.Device, error)
}

// UsageStore serves the aggregation engine. Raw reading windows are
// [from, to); day windows compare period_start dates in [fromDay, toDay).
type UsageStore interface {
	BucketEnergy(ctx context.Context, scope Scope, from, to time.Time, width time.Duration) ([]BucketEnergy, error)
	DailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DailyTotal, error)
	DeviceEnergySpans(ctx context.Context, scope Scope, from, to time.Time) ([]DeviceEnergy, error)
	DeviceDailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DeviceEnergy, error)
}

// RollupStore serves the daily rollup job
type RollupStore interface {
	SummarizeReadings(ctx context.Context, from, to time.Time) ([]ReadingSummary, error)
	UpsertPeriodStats(ctx context.Context, stats []db.PeriodStat) error
}

// Store is implemented by both the Postgres and the in-memory store
type Store interface {
	IngestStore
	QueryStore
	UsageStore
	RollupStore
}

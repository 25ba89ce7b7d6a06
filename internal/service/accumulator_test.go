package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

var t0 = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu       sync.Mutex
	readings []db.Reading
	faulted  []db.Device
	err      error
}

func (n *recordingNotifier) ReadingRecorded(ctx context.Context, device db.Device, reading db.Reading) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readings = append(n.readings, reading)
	return n.err
}

func (n *recordingNotifier) DeviceFaulted(ctx context.Context, device db.Device, state fault.State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faulted = append(n.faulted, device)
	return n.err
}

func newTestAccumulator(t *testing.T) (*Accumulator, *repository.MemoryStore, *recordingNotifier) {
	t.Helper()
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	acc := NewAccumulator(store, fault.NewDetector(fault.DefaultThreshold), notifier, zap.NewNop())
	acc.now = func() time.Time { return t0 }
	return acc, store, notifier
}

func derived(power float64, at time.Time) telemetry.Measurement {
	return telemetry.Measurement{Power: telemetry.Float(power), RecordedAt: telemetry.Time(at)}
}

func emptyAt(at time.Time) telemetry.Measurement {
	return telemetry.Measurement{RecordedAt: telemetry.Time(at)}
}

func TestRecordReading_DerivedIntegratesPowerOverTime(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	ctx := context.Background()

	first, err := acc.RecordReading(ctx, telemetry.DeviceRef{ID: device.ID}, derived(100, t0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.Reading.CumulativeEnergy)
	assert.Equal(t, telemetry.ModeDerived, first.Mode)

	second, err := acc.RecordReading(ctx, telemetry.DeviceRef{Name: "plug-1"}, derived(50, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 100.0, second.Reading.CumulativeEnergy)

	stored, ok := store.Device(device.ID)
	require.True(t, ok)
	require.NotNil(t, stored.LastSeen)
	assert.True(t, stored.LastSeen.Equal(t0.Add(2*time.Hour)))
	assert.Len(t, store.Readings(device.ID), 2)
}

func TestRecordReading_FirstReadingDoesNotIntegrate(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)

	res, err := acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID}, derived(2000, t0.Add(10*time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.Reading.CumulativeEnergy)
	assert.Equal(t, 2000.0, res.Reading.Power)
}

func TestRecordReading_VoltageTimesCurrent(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	ctx := context.Background()
	ref := telemetry.DeviceRef{ID: device.ID}

	_, err := acc.RecordReading(ctx, ref, derived(0, t0))
	require.NoError(t, err)

	res, err := acc.RecordReading(ctx, ref, telemetry.Measurement{
		Voltage:    telemetry.Float(220),
		Current:    telemetry.Float(0.5),
		RecordedAt: telemetry.Time(t0.Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 110.0, res.Reading.Power)
	assert.Equal(t, 110.0, res.Reading.CumulativeEnergy)
}

func TestRecordReading_OutOfOrderIsClamped(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	ctx := context.Background()
	ref := telemetry.DeviceRef{ID: device.ID}

	_, err := acc.RecordReading(ctx, ref, derived(100, t0))
	require.NoError(t, err)
	latest, err := acc.RecordReading(ctx, ref, derived(100, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, 300.0, latest.Reading.CumulativeEnergy)

	late, err := acc.RecordReading(ctx, ref, derived(500, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 300.0, late.Reading.CumulativeEnergy)

	stored, _ := store.Device(device.ID)
	assert.True(t, stored.LastSeen.Equal(t0.Add(3*time.Hour)), "last_seen must not move backwards")
}

func TestRecordReading_ExplicitMode(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	ctx := context.Background()
	ref := telemetry.DeviceRef{ID: device.ID}

	res, err := acc.RecordReading(ctx, ref, telemetry.Measurement{
		Voltage:          telemetry.Float(230),
		Current:          telemetry.Float(2),
		CumulativeEnergy: telemetry.Float(42.5),
		RecordedAt:       telemetry.Time(t0),
	})
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModeExplicit, res.Mode)
	assert.Equal(t, 42.5, res.Reading.CumulativeEnergy)
	assert.Equal(t, 460.0, res.Reading.Power)

	res, err = acc.RecordReading(ctx, ref, telemetry.Measurement{
		CumulativeEnergy: telemetry.Float(50),
		RecordedAt:       telemetry.Time(t0.Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Reading.CumulativeEnergy)
	assert.Equal(t, 0.0, res.Reading.Voltage)
	assert.Equal(t, 0.0, res.Reading.Current)
	assert.Equal(t, 0.0, res.Reading.Power)
}

func TestRecordReading_MissingTimestampUsesClock(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)

	res, err := acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID},
		telemetry.Measurement{Power: telemetry.Float(10)})
	require.NoError(t, err)
	assert.True(t, res.Reading.RecordedAt.Equal(t0))
}

func TestRecordReading_FaultLatchAndReset(t *testing.T) {
	acc, store, notifier := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	ctx := context.Background()
	ref := telemetry.DeviceRef{ID: device.ID}

	_, err := acc.RecordReading(ctx, ref, derived(100, t0))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		res, err := acc.RecordReading(ctx, ref, emptyAt(t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.True(t, res.Empty)
		assert.Equal(t, i, res.Current.EmptyPayloadCount)
		assert.Equal(t, i == 5, res.Current.Faulty, "payload %d", i)
		assert.Equal(t, 0.0, res.Reading.Power)
	}

	stored, _ := store.Device(device.ID)
	assert.True(t, stored.IsFaulty)
	assert.Equal(t, 5, stored.EmptyPayloadCount)
	require.Len(t, notifier.faulted, 1)

	// empty readings carry the cumulative value forward unchanged
	for _, r := range store.Readings(device.ID) {
		assert.Equal(t, 0.0, r.CumulativeEnergy)
	}

	res, err := acc.RecordReading(ctx, ref, telemetry.Measurement{
		Voltage:    telemetry.Float(231),
		RecordedAt: telemetry.Time(t0.Add(10 * time.Minute)),
	})
	require.NoError(t, err)
	assert.False(t, res.Empty)
	assert.Equal(t, fault.State{}, res.Current)

	stored, _ = store.Device(device.ID)
	assert.False(t, stored.IsFaulty)
	assert.Equal(t, 0, stored.EmptyPayloadCount)
	assert.Len(t, notifier.faulted, 1)
}

func TestRecordReading_FirstReadingWithoutPowerIsInvalid(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)

	_, err := acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID}, telemetry.Measurement{
		Voltage:    telemetry.Float(230),
		RecordedAt: telemetry.Time(t0),
	})

	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Empty(t, store.Readings(device.ID))
}

func TestRecordReading_UnknownOrDeletedDevice(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	store.DeleteDevice(device.ID)
	ctx := context.Background()

	_, err := acc.RecordReading(ctx, telemetry.DeviceRef{Name: "missing"}, derived(1, t0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = acc.RecordReading(ctx, telemetry.DeviceRef{ID: device.ID}, derived(1, t0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = acc.RecordReading(ctx, telemetry.DeviceRef{}, derived(1, t0))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRecordReading_StorageFailureLeavesNoPartialState(t *testing.T) {
	for _, op := range []string{"latest_reading", "insert_reading", "update_device", "commit"} {
		t.Run(op, func(t *testing.T) {
			acc, store, notifier := newTestAccumulator(t)
			device := store.AddDevice("plug-1", 1)
			store.SetFailure(op, errors.New("connection reset"))

			_, err := acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID}, emptyAt(t0))

			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrStorageFailure)
			assert.True(t, apperr.Retryable(err))
			assert.Empty(t, store.Readings(device.ID))
			stored, _ := store.Device(device.ID)
			assert.Nil(t, stored.LastSeen)
			assert.Equal(t, 0, stored.EmptyPayloadCount)
			assert.Empty(t, notifier.readings)

			// the device lock must be released
			store.SetFailure(op, nil)
			_, err = acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID}, derived(5, t0))
			require.NoError(t, err)
		})
	}
}

func TestRecordReading_NotifierErrorDoesNotFailIngestion(t *testing.T) {
	acc, store, notifier := newTestAccumulator(t)
	notifier.err = errors.New("broker down")
	device := store.AddDevice("plug-1", 1)

	_, err := acc.RecordReading(context.Background(), telemetry.DeviceRef{ID: device.ID}, derived(5, t0))

	require.NoError(t, err)
	assert.Len(t, store.Readings(device.ID), 1)
}

func TestRecordReading_ConcurrentSameDevice(t *testing.T) {
	acc, store, _ := newTestAccumulator(t)
	device := store.AddDevice("plug-1", 1)
	other := store.AddDevice("plug-2", 1)
	ctx := context.Background()

	_, err := acc.RecordReading(ctx, telemetry.DeviceRef{ID: device.ID}, derived(60, t0))
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 1; i <= n; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := acc.RecordReading(ctx, telemetry.DeviceRef{ID: device.ID}, derived(60, at))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := acc.RecordReading(ctx, telemetry.DeviceRef{ID: other.ID}, derived(60, at))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	readings := store.Readings(device.ID)
	require.Len(t, readings, n+1)

	// in commit order, cumulative energy never decreases
	for i := 1; i < len(readings); i++ {
		assert.GreaterOrEqual(t, readings[i].CumulativeEnergy, readings[i-1].CumulativeEnergy)
	}

	latest, err := store.LatestReading(ctx, device.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, latest.CumulativeEnergy, 60.0*float64(n)/60.0)
	assert.Len(t, store.Readings(other.ID), n)
}

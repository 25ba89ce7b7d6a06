package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/logging"
	"github.com/septivank/energy-usage-service/internal/metrics"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"go.uber.org/zap"
)

// Notifier receives committed ingestion outcomes. Implementations must not
// block for long; their errors are logged and never fail ingestion.
type Notifier interface {
	ReadingRecorded(ctx context.Context, device db.Device, reading db.Reading) error
	DeviceFaulted(ctx context.Context, device db.Device, state fault.State) error
}

// Result is the committed outcome of one RecordReading call
type Result struct {
	Device   db.Device
	Reading  db.Reading
	Mode     telemetry.Mode
	Empty    bool
	Previous fault.State
	Current  fault.State
}

// Accumulator appends readings to the per-device ledger and keeps
// cumulative energy and the fault latch consistent under the device lock.
type Accumulator struct {
	store    repository.IngestStore
	detector *fault.Detector
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewAccumulator creates a reading accumulator. notifier may be nil.
func NewAccumulator(
	store repository.IngestStore,
	detector *fault.Detector,
	notifier Notifier,
	logger *zap.Logger,
) *Accumulator {
	return &Accumulator{
		store:    store,
		detector: detector,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordReading stores one measurement for the referenced device.
//
// Explicit mode stores the supplied cumulative energy as is. Derived mode adds
// power times the hours elapsed since the latest stored reading, clamped at
// zero for out of order data; a device's first reading integrates nothing.
// The read of the prior reading, the insert, and the device state update all
// happen under the device lock and commit together.
func (a *Accumulator) RecordReading(ctx context.Context, ref telemetry.DeviceRef, m telemetry.Measurement) (result *Result, err error) {
	start := time.Now()
	mode := m.Mode()
	defer func() {
		metrics.ObserveIngest(string(mode), err, time.Since(start))
	}()

	logger := logging.WithDevice(a.logger, ref)

	if err := ref.Validate(); err != nil {
		return nil, err
	}

	device, err := a.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	recordedAt := a.now().UTC()
	if m.RecordedAt != nil {
		recordedAt = *m.RecordedAt
	}

	empty := a.detector.IsEmpty(m)
	res := &Result{Mode: mode, Empty: empty}

	err = a.store.WithDeviceLock(ctx, device.ID, func(tx repository.DeviceTx) error {
		locked := tx.Device()

		var prior *db.Reading
		if mode == telemetry.ModeDerived {
			var err error
			prior, err = tx.LatestReading(ctx)
			if err != nil {
				return fmt.Errorf("failed to read latest reading: %w", err)
			}
		}

		reading, err := buildReading(locked.ID, m, empty, prior, recordedAt)
		if err != nil {
			return err
		}
		if err := tx.InsertReading(ctx, &reading); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}

		prev := fault.State{EmptyPayloadCount: locked.EmptyPayloadCount, Faulty: locked.IsFaulty}
		next := a.detector.Observe(prev, empty)

		lastSeen := recordedAt
		if locked.LastSeen != nil && locked.LastSeen.After(lastSeen) {
			lastSeen = *locked.LastSeen
		}
		if err := tx.UpdateDeviceState(ctx, lastSeen, next); err != nil {
			return fmt.Errorf("failed to update device state: %w", err)
		}

		locked.LastSeen = &lastSeen
		locked.EmptyPayloadCount = next.EmptyPayloadCount
		locked.IsFaulty = next.Faulty

		res.Device = locked
		res.Reading = reading
		res.Previous = prev
		res.Current = next
		return nil
	})
	if err != nil {
		logger.Error("failed to record reading", zap.String("mode", string(mode)), zap.Error(err))
		return nil, err
	}

	logger.Debug("reading recorded",
		zap.String("mode", string(mode)),
		zap.Bool("empty", empty),
		zap.Float64("cumulative_energy", res.Reading.CumulativeEnergy),
	)

	a.afterCommit(ctx, res, logger)
	return res, nil
}

func (a *Accumulator) afterCommit(ctx context.Context, res *Result, logger *zap.Logger) {
	if res.Empty {
		metrics.EmptyPayload()
		logger.Warn("empty payload accepted",
			zap.Int("empty_payload_count", res.Current.EmptyPayloadCount),
			zap.Int("threshold", a.detector.Threshold()),
		)
	}

	becameFaulty := fault.BecameFaulty(res.Previous, res.Current)
	if becameFaulty {
		metrics.DeviceFaulted()
		logger.Warn("device marked faulty", zap.Int("empty_payload_count", res.Current.EmptyPayloadCount))
	} else if fault.Recovered(res.Previous, res.Current) {
		logger.Info("device recovered from fault")
	}

	if a.notifier == nil {
		return
	}
	if err := a.notifier.ReadingRecorded(ctx, res.Device, res.Reading); err != nil {
		logger.Error("failed to publish reading event", zap.Error(err))
	}
	if becameFaulty {
		if err := a.notifier.DeviceFaulted(ctx, res.Device, res.Current); err != nil {
			logger.Error("failed to publish fault event", zap.Error(err))
		}
	}
}

func buildReading(deviceID int64, m telemetry.Measurement, empty bool, prior *db.Reading, recordedAt time.Time) (db.Reading, error) {
	reading := db.Reading{DeviceID: deviceID, RecordedAt: recordedAt}

	if m.Mode() == telemetry.ModeExplicit {
		reading.Voltage = valueOr(m.Voltage, 0)
		reading.Current = valueOr(m.Current, 0)
		switch {
		case m.Power != nil:
			reading.Power = *m.Power
		case m.Voltage != nil && m.Current != nil:
			reading.Power = *m.Voltage * *m.Current
		}
		reading.CumulativeEnergy = *m.CumulativeEnergy
		return reading, nil
	}

	var base float64
	var deltaHours float64
	if prior != nil {
		base = prior.CumulativeEnergy
		deltaHours = recordedAt.Sub(prior.RecordedAt).Hours()
		if deltaHours < 0 {
			deltaHours = 0
		}
	}

	if !empty {
		voltage, hasVoltage := carried(m.Voltage, prior, func(r *db.Reading) float64 { return r.Voltage })
		current, hasCurrent := carried(m.Current, prior, func(r *db.Reading) float64 { return r.Current })
		switch {
		case m.Power != nil:
			reading.Power = *m.Power
		case hasVoltage && hasCurrent:
			reading.Power = voltage * current
		default:
			return db.Reading{}, fmt.Errorf("%w: power requires voltage and current", apperr.ErrInvalidInput)
		}
		reading.Voltage = voltage
		reading.Current = current
	}

	reading.CumulativeEnergy = base + reading.Power*deltaHours
	return reading, nil
}

// carried returns the supplied value, else the prior reading's value.
func carried(v *float64, prior *db.Reading, field func(*db.Reading) float64) (float64, bool) {
	if v != nil {
		return *v, true
	}
	if prior != nil {
		return field(prior), true
	}
	return 0, false
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

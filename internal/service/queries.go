package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

// QueryService serves device level reads: latest reading, reading history,
// stored period stats and the faulty device list.
type QueryService struct {
	store repository.QueryStore
}

// NewQueryService creates a new query service
func NewQueryService(store repository.QueryStore) *QueryService {
	return &QueryService{store: store}
}

// ResolveDevice resolves a reference to a non-deleted device
func (s *QueryService) ResolveDevice(ctx context.Context, ref telemetry.DeviceRef) (*db.Device, error) {
	return s.store.ResolveDevice(ctx, ref)
}

// LatestReading returns the device's most recent reading by recorded_at
func (s *QueryService) LatestReading(ctx context.Context, ref telemetry.DeviceRef) (*db.Reading, error) {
	device, err := s.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return s.store.LatestReading(ctx, device.ID)
}

// ListReadings returns the device's readings recorded in [from, to], oldest first
func (s *QueryService) ListReadings(ctx context.Context, ref telemetry.DeviceRef, from, to time.Time) ([]db.Reading, error) {
	if from.After(to) {
		return nil, fmt.Errorf("%w: from %s is after to %s", apperr.ErrInvalidInput,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	device, err := s.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return s.store.ListReadings(ctx, device.ID, from, to)
}

// EnergyStats returns one stored period stat. periodStart is reduced to its calendar date.
func (s *QueryService) EnergyStats(ctx context.Context, ref telemetry.DeviceRef, periodType string, periodStart time.Time) (*db.PeriodStat, error) {
	pt, err := db.ParsePeriodType(periodType)
	if err != nil {
		return nil, err
	}
	device, err := s.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	y, m, d := periodStart.Date()
	return s.store.PeriodStat(ctx, device.ID, pt, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// FaultyDevices lists non-deleted devices currently latched faulty, by id
func (s *QueryService) FaultyDevices(ctx context.Context) ([]db.Device, error) {
	return s.store.FaultyDevices(ctx)
}

package repository

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

// MemoryStore is an in-process Store for local runs and tests.
// Per-device mutexes stand in for the Postgres row lock.
type MemoryStore struct {
	mu            sync.RWMutex
	devices       map[int64]*db.Device
	byName        map[string]int64
	readings      map[int64][]db.Reading
	stats         map[statKey]db.PeriodStat
	nextDeviceID  int64
	nextReadingID int64
	failures      map[string]error

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

type statKey struct {
	deviceID    int64
	periodType  db.PeriodType
	periodStart string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[int64]*db.Device),
		byName:   make(map[string]int64),
		readings: make(map[int64][]db.Reading),
		stats:    make(map[statKey]db.PeriodStat),
		failures: make(map[string]error),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// AddDevice registers a device and returns it
func (s *MemoryStore) AddDevice(name string, userID int64) db.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextDeviceID++
	d := &db.Device{ID: s.nextDeviceID, Name: name, Status: "offline"}
	if userID > 0 {
		uid := userID
		d.UserID = &uid
	}
	s.devices[d.ID] = d
	s.byName[name] = d.ID
	return *d
}

// DeleteDevice soft-deletes a device
func (s *MemoryStore) DeleteDevice(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.IsDeleted = true
	}
}

// Device returns the stored device row, deleted or not
func (s *MemoryStore) Device(id int64) (db.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return db.Device{}, false
	}
	return *d, true
}

// AppendReading stores a reading without going through the accumulator
func (s *MemoryStore) AppendReading(r db.Reading) db.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReadingID++
	r.ID = s.nextReadingID
	s.readings[r.DeviceID] = append(s.readings[r.DeviceID], r)
	return r
}

// Readings returns a device's readings in insertion order
func (s *MemoryStore) Readings(deviceID int64) []db.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]db.Reading(nil), s.readings[deviceID]...)
}

// PeriodStats returns all stored stats ordered by device and period start
func (s *MemoryStore) PeriodStats() []db.PeriodStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]db.PeriodStat, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

// SetFailure makes the named operation fail with err until cleared with a nil err.
// Operation names match the Postgres error contexts, e.g. "insert_reading".
func (s *MemoryStore) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MemoryStore) fail(op string) error {
	s.mu.RLock()
	err := s.failures[op]
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", apperr.ErrStorageFailure, op, err)
	}
	return nil
}

func (s *MemoryStore) deviceLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) ResolveDevice(ctx context.Context, ref telemetry.DeviceRef) (*db.Device, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := s.fail("resolve_device"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id := ref.ID
	if id == 0 {
		id = s.byName[ref.Name]
	}
	d, ok := s.devices[id]
	if !ok || d.IsDeleted {
		return nil, fmt.Errorf("%w: device %q", apperr.ErrNotFound, ref.String())
	}
	device := *d
	return &device, nil
}

func (s *MemoryStore) WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx DeviceTx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: lock device: %w", apperr.ErrStorageFailure, err)
	}

	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	d, ok := s.devices[deviceID]
	var device db.Device
	if ok {
		device = *d
	}
	s.mu.RUnlock()
	if !ok || device.IsDeleted {
		return fmt.Errorf("%w: device %d", apperr.ErrNotFound, deviceID)
	}

	tx := &memoryTx{store: s, device: device}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.fail("commit"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[deviceID] = append(s.readings[deviceID], tx.inserted...)
	if tx.updated {
		stored := s.devices[deviceID]
		stored.LastSeen = &tx.lastSeen
		stored.EmptyPayloadCount = tx.state.EmptyPayloadCount
		stored.IsFaulty = tx.state.Faulty
	}
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	device   db.Device
	inserted []db.Reading
	updated  bool
	lastSeen time.Time
	state    fault.State
}

func (t *memoryTx) Device() db.Device {
	return t.device
}

func (t *memoryTx) LatestReading(ctx context.Context) (*db.Reading, error) {
	if err := t.store.fail("latest_reading"); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	candidates := append(append([]db.Reading(nil), t.store.readings[t.device.ID]...), t.inserted...)
	t.store.mu.RUnlock()

	return latestOf(candidates), nil
}

func (t *memoryTx) InsertReading(ctx context.Context, r *db.Reading) error {
	if err := t.store.fail("insert_reading"); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.nextReadingID++
	r.ID = t.store.nextReadingID
	t.store.mu.Unlock()

	t.inserted = append(t.inserted, *r)
	return nil
}

func (t *memoryTx) UpdateDeviceState(ctx context.Context, lastSeen time.Time, state fault.State) error {
	if err := t.store.fail("update_device"); err != nil {
		return err
	}
	t.updated = true
	t.lastSeen = lastSeen
	t.state = state
	return nil
}

func latestOf(readings []db.Reading) *db.Reading {
	var latest *db.Reading
	for i := range readings {
		r := readings[i]
		if latest == nil || r.RecordedAt.After(latest.RecordedAt) ||
			(r.RecordedAt.Equal(latest.RecordedAt) && r.ID > latest.ID) {
			latest = &r
		}
	}
	return latest
}

func (s *MemoryStore) LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error) {
	s.mu.RLock()
	latest := latestOf(s.readings[deviceID])
	s.mu.RUnlock()
	if latest == nil {
		return nil, fmt.Errorf("%w: no readings for device %d", apperr.ErrNotFound, deviceID)
	}
	return latest, nil
}

func (s *MemoryStore) ListReadings(ctx context.Context, deviceID int64, from, to time.Time) ([]db.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []db.Reading{}
	for _, r := range s.readings[deviceID] {
		if !r.RecordedAt.Before(from) && !r.RecordedAt.After(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

func (s *MemoryStore) PeriodStat(ctx context.Context, deviceID int64, periodType db.PeriodType, periodStart time.Time) (*db.PeriodStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[statKey{deviceID, periodType, periodStart.Format(time.DateOnly)}]
	if !ok {
		return nil, fmt.Errorf("%w: no %s stats for device %d at %s", apperr.ErrNotFound, periodType, deviceID, periodStart.Format(time.DateOnly))
	}
	return &st, nil
}

func (s *MemoryStore) FaultyDevices(ctx context.Context) ([]db.Device, error) {
	if err := s.fail("faulty_devices"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []db.Device{}
	for _, d := range s.devices {
		if d.IsFaulty && !d.IsDeleted {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) inScope(deviceID int64, scope Scope) (*db.Device, bool) {
	d, ok := s.devices[deviceID]
	if !ok || d.IsDeleted {
		return nil, false
	}
	if scope.UserID != 0 && (d.UserID == nil || *d.UserID != scope.UserID) {
		return nil, false
	}
	if scope.DeviceID != 0 && d.ID != scope.DeviceID {
		return nil, false
	}
	return d, true
}

type span struct {
	min, max float64
}

func (sp *span) add(v float64, first bool) {
	if first {
		sp.min, sp.max = v, v
		return
	}
	sp.min = math.Min(sp.min, v)
	sp.max = math.Max(sp.max, v)
}

func (s *MemoryStore) BucketEnergy(ctx context.Context, scope Scope, from, to time.Time, width time.Duration) ([]BucketEnergy, error) {
	if err := s.fail("bucket_energy"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		device int64
		bucket int
	}
	spans := map[key]*span{}
	for deviceID, readings := range s.readings {
		if _, ok := s.inScope(deviceID, scope); !ok {
			continue
		}
		for _, r := range readings {
			if r.RecordedAt.Before(from) || !r.RecordedAt.Before(to) {
				continue
			}
			k := key{deviceID, int(math.Floor(r.RecordedAt.Sub(from).Seconds() / width.Seconds()))}
			sp, ok := spans[k]
			if !ok {
				sp = &span{}
				spans[k] = sp
			}
			sp.add(r.CumulativeEnergy, !ok)
		}
	}

	out := make([]BucketEnergy, 0, len(spans))
	for k, sp := range spans {
		out = append(out, BucketEnergy{DeviceID: k.device, Bucket: k.bucket, Energy: sp.max - sp.min})
	}
	return out, nil
}

func (s *MemoryStore) dailyStatsInScope(scope Scope, fromDay, toDay time.Time) []db.PeriodStat {
	from, to := fromDay.Format(time.DateOnly), toDay.Format(time.DateOnly)
	var out []db.PeriodStat
	for k, st := range s.stats {
		if k.periodType != db.PeriodDaily || k.periodStart < from || k.periodStart >= to {
			continue
		}
		if _, ok := s.inScope(k.deviceID, scope); !ok {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *MemoryStore) DailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DailyTotal, error) {
	if err := s.fail("daily_totals"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DailyTotal
	for _, st := range s.dailyStatsInScope(scope, fromDay, toDay) {
		out = append(out, DailyTotal{DeviceID: st.DeviceID, PeriodStart: st.PeriodStart, TotalEnergy: st.TotalEnergy})
	}
	return out, nil
}

func (s *MemoryStore) DeviceEnergySpans(ctx context.Context, scope Scope, from, to time.Time) ([]DeviceEnergy, error) {
	if err := s.fail("device_energy_spans"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DeviceEnergy
	for deviceID, readings := range s.readings {
		d, ok := s.inScope(deviceID, scope)
		if !ok {
			continue
		}
		var sp span
		seen := false
		for _, r := range readings {
			if r.RecordedAt.Before(from) || !r.RecordedAt.Before(to) {
				continue
			}
			sp.add(r.CumulativeEnergy, !seen)
			seen = true
		}
		if seen {
			out = append(out, DeviceEnergy{DeviceID: d.ID, Name: d.Name, TotalEnergy: sp.max - sp.min})
		}
	}
	return out, nil
}

func (s *MemoryStore) DeviceDailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DeviceEnergy, error) {
	if err := s.fail("device_daily_totals"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := map[int64]float64{}
	for _, st := range s.dailyStatsInScope(scope, fromDay, toDay) {
		totals[st.DeviceID] += st.TotalEnergy
	}
	out := make([]DeviceEnergy, 0, len(totals))
	for id, total := range totals {
		out = append(out, DeviceEnergy{DeviceID: id, Name: s.devices[id].Name, TotalEnergy: total})
	}
	return out, nil
}

func (s *MemoryStore) SummarizeReadings(ctx context.Context, from, to time.Time) ([]ReadingSummary, error) {
	if err := s.fail("summarize_readings"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ReadingSummary
	for deviceID, readings := range s.readings {
		if _, ok := s.inScope(deviceID, Scope{}); !ok {
			continue
		}
		var energy, power span
		var sum float64
		var n int64
		for _, r := range readings {
			if r.RecordedAt.Before(from) || !r.RecordedAt.Before(to) {
				continue
			}
			energy.add(r.CumulativeEnergy, n == 0)
			power.add(r.Power, n == 0)
			sum += r.Power
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, ReadingSummary{
			DeviceID:      deviceID,
			MinCumulative: energy.min,
			MaxCumulative: energy.max,
			AvgPower:      sum / float64(n),
			MaxPower:      power.max,
			Count:         n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) UpsertPeriodStats(ctx context.Context, stats []db.PeriodStat) error {
	if err := s.fail("upsert_period_stats"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stats {
		s.stats[statKey{st.DeviceID, st.PeriodType, st.PeriodStart.Format(time.DateOnly)}] = st
	}
	return nil
}

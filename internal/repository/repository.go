package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `id, name, user_id, status, last_seen, empty_payload_count, is_faulty, is_deleted`

const readingColumns = `id, device_id, voltage, current, power, cumulative_energy, recorded_at`

// scopeFilter expects the device alias d and the scope in $1 (user) and $2 (device)
const scopeFilter = `d.is_deleted = FALSE
			AND ($1::bigint = 0 OR d.user_id = $1)
			AND ($2::bigint = 0 OR d.id = $2)`

// ResolveDevice maps an id or name to a non-deleted device
func (r *Repository) ResolveDevice(ctx context.Context, ref telemetry.DeviceRef) (*db.Device, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	var row pgx.Row
	if ref.ID > 0 {
		row = r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND is_deleted = FALSE`, ref.ID)
	} else {
		row = r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name = $1 AND is_deleted = FALSE`, ref.Name)
	}

	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %q", apperr.ErrNotFound, ref.String())
	}
	if err != nil {
		return nil, storageErr("resolve device", err)
	}
	return device, nil
}

// WithDeviceLock locks the device row for the duration of one transaction.
// The row lock serializes ingestion per device, including a device's very first
// reading where no reading row exists to lock yet.
func (r *Repository) WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx DeviceTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE id = $1 AND is_deleted = FALSE
		FOR UPDATE
	`, deviceID)
	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: device %d", apperr.ErrNotFound, deviceID)
	}
	if err != nil {
		return storageErr("lock device", err)
	}

	if err := fn(&deviceTx{tx: tx, device: *device}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

type deviceTx struct {
	tx     pgx.Tx
	device db.Device
}

func (t *deviceTx) Device() db.Device {
	return t.device
}

// LatestReading also takes a row lock on the latest reading
func (t *deviceTx) LatestReading(ctx context.Context) (*db.Reading, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+readingColumns+`
		FROM power_readings
		WHERE device_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, t.device.ID)

	reading, err := scanReading(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query latest reading", err)
	}
	return reading, nil
}

func (t *deviceTx) InsertReading(ctx context.Context, reading *db.Reading) error {
	query := `
		INSERT INTO power_readings (device_id, voltage, current, power, cumulative_energy, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := t.tx.QueryRow(ctx, query,
		reading.DeviceID,
		reading.Voltage,
		reading.Current,
		reading.Power,
		reading.CumulativeEnergy,
		reading.RecordedAt,
	).Scan(&reading.ID)
	if err != nil {
		return storageErr("insert power reading", err)
	}
	return nil
}

func (t *deviceTx) UpdateDeviceState(ctx context.Context, lastSeen time.Time, state fault.State) error {
	query := `
		UPDATE devices
		SET last_seen = $2, empty_payload_count = $3, is_faulty = $4, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := t.tx.Exec(ctx, query, t.device.ID, lastSeen, state.EmptyPayloadCount, state.Faulty); err != nil {
		return storageErr("update device state", err)
	}
	return nil
}

// LatestReading returns the most recent reading of a device
func (r *Repository) LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+readingColumns+`
		FROM power_readings
		WHERE device_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, deviceID)

	reading, err := scanReading(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no readings for device %d", apperr.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, storageErr("query latest reading", err)
	}
	return reading, nil
}

// ListReadings returns readings recorded in [from, to], oldest first
func (r *Repository) ListReadings(ctx context.Context, deviceID int64, from, to time.Time) ([]db.Reading, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+readingColumns+`
		FROM power_readings
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at, id
	`, deviceID, from, to)
	if err != nil {
		return nil, storageErr("query readings", err)
	}
	defer rows.Close()

	readings := []db.Reading{}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, storageErr("scan reading", err)
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows iteration", err)
	}
	return readings, nil
}

// PeriodStat returns one pre-aggregated stat row
func (r *Repository) PeriodStat(ctx context.Context, deviceID int64, periodType db.PeriodType, periodStart time.Time) (*db.PeriodStat, error) {
	var stat db.PeriodStat
	var periodTypeText string
	err := r.pool.QueryRow(ctx, `
		SELECT device_id, period_type, period_start, total_energy, avg_power, max_power, updated_at
		FROM device_energy_stats
		WHERE device_id = $1 AND period_type = $2 AND period_start = $3::date
	`, deviceID, string(periodType), periodStart).Scan(
		&stat.DeviceID,
		&periodTypeText,
		&stat.PeriodStart,
		&stat.TotalEnergy,
		&stat.AvgPower,
		&stat.MaxPower,
		&stat.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s stats for device %d at %s", apperr.ErrNotFound, periodType, deviceID, periodStart.Format(time.DateOnly))
	}
	if err != nil {
		return nil, storageErr("query period stat", err)
	}
	stat.PeriodType = db.PeriodType(periodTypeText)
	return &stat, nil
}

// FaultyDevices lists non-deleted devices currently flagged faulty
func (r *Repository) FaultyDevices(ctx context.Context) ([]db.Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE is_faulty = TRUE AND is_deleted = FALSE
		ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("query faulty devices", err)
	}
	defer rows.Close()

	devices := []db.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, storageErr("scan device", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows iteration", err)
	}
	return devices, nil
}

// BucketEnergy computes per-device max-min cumulative energy per fixed-width bucket
func (r *Repository) BucketEnergy(ctx context.Context, scope Scope, from, to time.Time, width time.Duration) ([]BucketEnergy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			r.device_id,
			FLOOR(EXTRACT(EPOCH FROM (r.recorded_at - $3::timestamptz))::double precision / $5::double precision)::int AS bucket,
			MAX(r.cumulative_energy) - MIN(r.cumulative_energy) AS energy
		FROM power_readings r
		JOIN devices d ON d.id = r.device_id
		WHERE `+scopeFilter+`
			AND r.recorded_at >= $3 AND r.recorded_at < $4
		GROUP BY r.device_id, bucket
	`, scope.UserID, scope.DeviceID, from, to, width.Seconds())
	if err != nil {
		return nil, storageErr("query bucket energy", err)
	}
	defer rows.Close()

	var result []BucketEnergy
	for rows.Next() {
		var b BucketEnergy
		if err := rows.Scan(&b.DeviceID, &b.Bucket, &b.Energy); err != nil {
			return nil, storageErr("scan bucket energy", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows iteration", err)
	}
	return result, nil
}

// DailyTotals returns daily period stat totals with period_start in [fromDay, toDay)
func (r *Repository) DailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DailyTotal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.device_id, s.period_start, s.total_energy
		FROM device_energy_stats s
		JOIN devices d ON d.id = s.device_id
		WHERE `+scopeFilter+`
			AND s.period_type = 'daily'
			AND s.period_start >= $3::date AND s.period_start < $4::date
	`, scope.UserID, scope.DeviceID, fromDay, toDay)
	if err != nil {
		return nil, storageErr("query daily totals", err)
	}
	defer rows.Close()

	var result []DailyTotal
	for rows.Next() {
		var t DailyTotal
		if err := rows.Scan(&t.DeviceID, &t.PeriodStart, &t.TotalEnergy); err != nil {
			return nil, storageErr("scan daily total", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows iteration", err)
	}
	return result, nil
}

// DeviceEnergySpans returns max-min cumulative energy per device over raw readings in [from, to)
func (r *Repository) DeviceEnergySpans(ctx context.Context, scope Scope, from, to time.Time) ([]DeviceEnergy, error) {
	return r.queryDeviceEnergy(ctx, "query device energy spans", `
		SELECT d.id, d.name, MAX(r.cumulative_energy) - MIN(r.cumulative_energy)
		FROM power_readings r
		JOIN devices d ON d.id = r.device_id
		WHERE `+scopeFilter+`
			AND r.recorded_at >= $3 AND r.recorded_at < $4
		GROUP BY d.id, d.name
	`, scope.UserID, scope.DeviceID, from, to)
}

// DeviceDailyTotals sums daily period stats per device with period_start in [fromDay, toDay)
func (r *Repository) DeviceDailyTotals(ctx context.Context, scope Scope, fromDay, toDay time.Time) ([]DeviceEnergy, error) {
	return r.queryDeviceEnergy(ctx, "query device daily totals", `
		SELECT d.id, d.name, SUM(s.total_energy)
		FROM device_energy_stats s
		JOIN devices d ON d.id = s.device_id
		WHERE `+scopeFilter+`
			AND s.period_type = 'daily'
			AND s.period_start >= $3::date AND s.period_start < $4::date
		GROUP BY d.id, d.name
	`, scope.UserID, scope.DeviceID, fromDay, toDay)
}

func (r *Repository) queryDeviceEnergy(ctx context.Context, op, query string, args ...any) ([]DeviceEnergy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var result []DeviceEnergy
	for rows.Next() {
		var e DeviceEnergy
		if err := rows.Scan(&e.DeviceID, &e.Name, &e.TotalEnergy); err != nil {
			return nil, storageErr(op, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return result, nil
}

// SummarizeReadings folds readings recorded in [from, to) per non-deleted device
func (r *Repository) SummarizeReadings(ctx context.Context, from, to time.Time) ([]ReadingSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			r.device_id,
			MIN(r.cumulative_energy),
			MAX(r.cumulative_energy),
			AVG(r.power),
			MAX(r.power),
			COUNT(*)
		FROM power_readings r
		JOIN devices d ON d.id = r.device_id
		WHERE d.is_deleted = FALSE
			AND r.recorded_at >= $1 AND r.recorded_at < $2
		GROUP BY r.device_id
		ORDER BY r.device_id
	`, from, to)
	if err != nil {
		return nil, storageErr("summarize readings", err)
	}
	defer rows.Close()

	var result []ReadingSummary
	for rows.Next() {
		var s ReadingSummary
		if err := rows.Scan(&s.DeviceID, &s.MinCumulative, &s.MaxCumulative, &s.AvgPower, &s.MaxPower, &s.Count); err != nil {
			return nil, storageErr("scan reading summary", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows iteration", err)
	}
	return result, nil
}

// UpsertPeriodStats inserts or replaces stats keyed by (device, period_type, period_start)
// in a single transaction
func (r *Repository) UpsertPeriodStats(ctx context.Context, stats []db.PeriodStat) error {
	if len(stats) == 0 {
		return nil
	}

	query := `
		INSERT INTO device_energy_stats (
			device_id, period_type, period_start, total_energy, avg_power, max_power, updated_at
		)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7)
		ON CONFLICT (device_id, period_type, period_start)
		DO UPDATE SET
			total_energy = EXCLUDED.total_energy,
			avg_power = EXCLUDED.avg_power,
			max_power = EXCLUDED.max_power,
			updated_at = EXCLUDED.updated_at
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, s := range stats {
		batch.Queue(query, s.DeviceID, string(s.PeriodType), s.PeriodStart, s.TotalEnergy, s.AvgPower, s.MaxPower, s.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range stats {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return storageErr("upsert period stat", err)
		}
	}
	if err := br.Close(); err != nil {
		return storageErr("upsert period stats", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.UserID,
		&d.Status,
		&d.LastSeen,
		&d.EmptyPayloadCount,
		&d.IsFaulty,
		&d.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	err := row.Scan(
		&reading.ID,
		&reading.DeviceID,
		&reading.Voltage,
		&reading.Current,
		&reading.Power,
		&reading.CumulativeEnergy,
		&reading.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// storageErr classifies a driver error. Serialization failures, deadlocks and
// unique violations are conflicts the caller may retry.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s: %w", apperr.ErrConflict, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrStorageFailure, op, err)
}

package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/metrics"
	"github.com/septivank/energy-usage-service/internal/repository"
)

const (
	kindSeries  = "series"
	kindRanking = "ranking"

	invalidRange = "invalid"
)

// Point is one bucket of a usage series, energy in Wh
type Point struct {
	BucketStart time.Time `json:"bucket_start"`
	Energy      float64   `json:"energy"`
}

// DeviceUsage is one row of a most-used ranking
type DeviceUsage struct {
	DeviceID    int64   `json:"device_id"`
	Name        string  `json:"name"`
	TotalEnergy float64 `json:"total_energy"`
}

// Engine answers usage series and ranking queries
type Engine struct {
	store repository.UsageStore
	loc   *time.Location
	cache *cache.Cache
	now   func() time.Time
}

// NewEngine creates an aggregation engine bucketing in loc. A positive
// cacheTTL serves repeated identical queries from memory for that long.
func NewEngine(store repository.UsageStore, loc *time.Location, cacheTTL time.Duration) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		store: store,
		loc:   loc,
		now:   time.Now,
	}
	if cacheTTL > 0 {
		e.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return e
}

// UsageSeries returns exactly one point per bucket of the range, oldest first.
// Buckets without data report 0.
func (e *Engine) UsageSeries(ctx context.Context, scope repository.Scope, rangeName string) (points []Point, err error) {
	label := rangeName
	defer func() {
		metrics.ObserveUsageQuery(kindSeries, label, err)
	}()

	res, err := ResolveRange(rangeName)
	if err != nil {
		label = invalidRange
		return nil, err
	}

	key := fmt.Sprintf("%s:%s:%d:%d", kindSeries, res.Range, scope.UserID, scope.DeviceID)
	if cached, ok := e.cached(key); ok {
		return append([]Point(nil), cached.([]Point)...), nil
	}

	now := e.now().In(e.loc)
	if res.Hourly() {
		points, err = e.hourlySeries(ctx, scope, now, res.Buckets)
	} else {
		points, err = e.dailySeries(ctx, scope, now, res.Buckets)
	}
	if err != nil {
		return nil, err
	}

	e.remember(key, points)
	return append([]Point(nil), points...), nil
}

func (e *Engine) hourlySeries(ctx context.Context, scope repository.Scope, now time.Time, buckets int) ([]Point, error) {
	currentHour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, e.loc)
	from := currentHour.Add(-time.Duration(buckets-1) * time.Hour)
	to := currentHour.Add(time.Hour)

	rows, err := e.store.BucketEnergy(ctx, scope, from, to, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly usage: %w", err)
	}

	points := make([]Point, buckets)
	for i := range points {
		points[i].BucketStart = from.Add(time.Duration(i) * time.Hour)
	}
	for _, row := range rows {
		if row.Bucket < 0 || row.Bucket >= buckets {
			continue
		}
		points[row.Bucket].Energy += row.Energy
	}
	return points, nil
}

func (e *Engine) dailySeries(ctx context.Context, scope repository.Scope, now time.Time, buckets int) ([]Point, error) {
	firstDay, endDay := e.dayWindow(now, buckets)

	rows, err := e.store.DailyTotals(ctx, scope, db.DateOf(firstDay, e.loc), db.DateOf(endDay, e.loc))
	if err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}

	points := make([]Point, buckets)
	index := make(map[string]int, buckets)
	for i := range points {
		start := time.Date(firstDay.Year(), firstDay.Month(), firstDay.Day()+i, 0, 0, 0, 0, e.loc)
		points[i].BucketStart = start
		index[start.Format(time.DateOnly)] = i
	}
	for _, row := range rows {
		if i, ok := index[row.PeriodStart.Format(time.DateOnly)]; ok {
			points[i].Energy += row.TotalEnergy
		}
	}
	return points, nil
}

// dayWindow returns local midnight of the first day and of the day after today
func (e *Engine) dayWindow(now time.Time, days int) (time.Time, time.Time) {
	y, m, d := now.Date()
	first := time.Date(y, m, d-(days-1), 0, 0, 0, 0, e.loc)
	end := time.Date(y, m, d+1, 0, 0, 0, 0, e.loc)
	return first, end
}

// MostUsedDevices ranks devices in scope by energy over the range, highest
// first, ties by device id. Devices with no data in the window are left out.
func (e *Engine) MostUsedDevices(ctx context.Context, scope repository.Scope, rangeName string, limit int) (ranking []DeviceUsage, err error) {
	label := rangeName
	defer func() {
		metrics.ObserveUsageQuery(kindRanking, label, err)
	}()

	res, err := ResolveRange(rangeName)
	if err != nil {
		label = invalidRange
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", apperr.ErrInvalidInput, limit)
	}

	key := fmt.Sprintf("%s:%s:%d:%d:%d", kindRanking, res.Range, scope.UserID, scope.DeviceID, limit)
	if cached, ok := e.cached(key); ok {
		return append([]DeviceUsage(nil), cached.([]DeviceUsage)...), nil
	}

	now := e.now().In(e.loc)
	var rows []repository.DeviceEnergy
	if res.Hourly() {
		rows, err = e.store.DeviceEnergySpans(ctx, scope, now.Add(-res.Interval), now)
	} else {
		firstDay, endDay := e.dayWindow(now, res.Buckets)
		rows, err = e.store.DeviceDailyTotals(ctx, scope, db.DateOf(firstDay, e.loc), db.DateOf(endDay, e.loc))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device usage: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalEnergy != rows[j].TotalEnergy {
			return rows[i].TotalEnergy > rows[j].TotalEnergy
		}
		return rows[i].DeviceID < rows[j].DeviceID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	ranking = make([]DeviceUsage, len(rows))
	for i, row := range rows {
		ranking[i] = DeviceUsage{DeviceID: row.DeviceID, Name: row.Name, TotalEnergy: row.TotalEnergy}
	}

	e.remember(key, ranking)
	return append([]DeviceUsage(nil), ranking...), nil
}

func (e *Engine) cached(key string) (interface{}, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(key)
}

func (e *Engine) remember(key string, value interface{}) {
	if e.cache != nil {
		e.cache.SetDefault(key, value)
	}
}

package usage

import (
	"fmt"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/db"
)

// Source is where a range's buckets are aggregated from
type Source string

const (
	// SourceReadings folds raw readings into hourly buckets
	SourceReadings Source = "readings"
	// SourcePeriodStats sums precomputed daily period stats
	SourcePeriodStats Source = "period_stats"
)

// Resolution is the query plan for one usage range
type Resolution struct {
	Range      string
	Interval   time.Duration
	Buckets    int
	Source     Source
	PeriodType db.PeriodType
}

// Hourly reports whether buckets are one hour wide
func (r Resolution) Hourly() bool {
	return r.Source == SourceReadings
}

// Describe renders the interval the way users name it, e.g. "7 days"
func (r Resolution) Describe() string {
	if r.Hourly() {
		return fmt.Sprintf("%d hours", r.Buckets)
	}
	return fmt.Sprintf("%d days", r.Buckets)
}

var resolutions = map[string]Resolution{
	"24h": {Range: "24h", Interval: 24 * time.Hour, Buckets: 24, Source: SourceReadings},
	"7d":  {Range: "7d", Interval: 7 * 24 * time.Hour, Buckets: 7, Source: SourcePeriodStats, PeriodType: db.PeriodDaily},
	"30d": {Range: "30d", Interval: 30 * 24 * time.Hour, Buckets: 30, Source: SourcePeriodStats, PeriodType: db.PeriodDaily},
}

// ResolveRange maps a range name to its plan. Unknown names are rejected.
func ResolveRange(name string) (Resolution, error) {
	r, ok := resolutions[name]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unsupported range %q (want 24h, 7d or 30d)", apperr.ErrInvalidInput, name)
	}
	return r, nil
}

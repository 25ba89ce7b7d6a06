package db

import (
	"fmt"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
)

// Device represents a metered device in the database
type Device struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	UserID            *int64     `json:"user_id,omitempty"`
	Status            string     `json:"status"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	EmptyPayloadCount int        `json:"empty_payload_count"`
	IsFaulty          bool       `json:"is_faulty"`
	IsDeleted         bool       `json:"is_deleted"`
}

// Reading represents one row of the append-only power reading ledger
type Reading struct {
	ID               int64     `json:"id"`
	DeviceID         int64     `json:"device_id"`
	Voltage          float64   `json:"voltage"`
	Current          float64   `json:"current"`
	Power            float64   `json:"power"`
	CumulativeEnergy float64   `json:"cumulative_energy"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// PeriodType is the granularity of a pre-aggregated energy stat
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// ParsePeriodType validates a period type name
func ParsePeriodType(s string) (PeriodType, error) {
	switch p := PeriodType(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown period type %q", apperr.ErrInvalidInput, s)
}

// PeriodStat is a derived, rebuildable aggregate of readings for one device and period.
// PeriodStart carries only a calendar date (UTC midnight).
type PeriodStat struct {
	DeviceID    int64      `json:"device_id"`
	PeriodType  PeriodType `json:"period_type"`
	PeriodStart time.Time  `json:"period_start"`
	TotalEnergy float64    `json:"total_energy"`
	AvgPower    float64    `json:"avg_power"`
	MaxPower    float64    `json:"max_power"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DateOf returns the calendar date of t in loc as UTC midnight, the
// representation used for DATE columns.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

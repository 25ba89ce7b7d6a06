package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/energy-usage-service/internal/apperr"
)

// Mode tells how cumulative energy is obtained for a reading.
type Mode string

const (
	// ModeExplicit stores the caller supplied cumulative energy as is.
	ModeExplicit Mode = "explicit"
	// ModeDerived integrates power over the time since the prior reading.
	ModeDerived Mode = "derived"
)

// DeviceRef identifies a device either by numeric ID or by unique name
type DeviceRef struct {
	ID   int64
	Name string
}

// ParseDeviceRef treats an all-digit reference as an ID and anything else as a name
func ParseDeviceRef(s string) DeviceRef {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return DeviceRef{ID: id}
	}
	return DeviceRef{Name: s}
}

// Validate requires exactly one of ID or Name.
func (r DeviceRef) Validate() error {
	hasID := r.ID > 0
	hasName := strings.TrimSpace(r.Name) != ""
	switch {
	case hasID && hasName:
		return fmt.Errorf("%w: provide either device id or device name, not both", apperr.ErrInvalidInput)
	case !hasID && !hasName:
		return fmt.Errorf("%w: missing device identifier", apperr.ErrInvalidInput)
	}
	return nil
}

func (r DeviceRef) String() string {
	if r.ID > 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Name
}

// Measurement is one parsed telemetry event. Nil fields were not supplied.
type Measurement struct {
	Voltage          *float64
	Current          *float64
	Power            *float64
	CumulativeEnergy *float64
	RecordedAt       *time.Time
}

// Mode reports explicit when cumulative energy was supplied.
func (m Measurement) Mode() Mode {
	if m.CumulativeEnergy != nil {
		return ModeExplicit
	}
	return ModeDerived
}

// IsEmpty is true when none of voltage, current, power or cumulative energy was supplied.
func (m Measurement) IsEmpty() bool {
	return m.Voltage == nil && m.Current == nil && m.Power == nil && m.CumulativeEnergy == nil
}

// Float returns a pointer to v, for building measurements.
func Float(v float64) *float64 {
	return &v
}

// Time returns a pointer to t.
func Time(t time.Time) *time.Time {
	return &t
}

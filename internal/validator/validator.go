package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/energy-usage-service/internal/telemetry"
	"github.com/septivank/energy-usage-service/tools/timeparser"
)

// ValidationResult holds the parsed measurement and every field that was dropped
type ValidationResult struct {
	Measurement telemetry.Measurement
	Issues      []string
}

// Malformed reports whether any supplied field had to be dropped
func (r ValidationResult) Malformed() bool {
	return len(r.Issues) > 0
}

// Validator turns raw telemetry payloads into measurements
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// field names accepted for each measurement value, snake_case first
var (
	voltageKeys    = []string{"voltage"}
	currentKeys    = []string{"current"}
	powerKeys      = []string{"power"}
	cumulativeKeys = []string{"cumulative_energy", "cumulativeEnergy"}
	recordedAtKeys = []string{"recorded_at", "recordedAt", "timestamp"}
)

// ParsePayload parses a JSON telemetry payload leniently. A value that is not a
// finite, non-negative number is dropped and reported, so a payload with only
// malformed values (or that is not a JSON object) yields an empty measurement.
// A missing, unparseable or out-of-tolerance timestamp is replaced by receivedAt.
func (v *Validator) ParsePayload(payload []byte, receivedAt time.Time) ValidationResult {
	var result ValidationResult

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		result.Issues = append(result.Issues, "empty payload")
		result.Measurement.RecordedAt = fallbackTime(receivedAt)
		return result
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("payload is not a JSON object: %v", err))
		result.Measurement.RecordedAt = fallbackTime(receivedAt)
		return result
	}

	m := &result.Measurement
	m.Voltage = v.number(fields, voltageKeys, &result)
	m.Current = v.number(fields, currentKeys, &result)
	m.Power = v.number(fields, powerKeys, &result)
	m.CumulativeEnergy = v.number(fields, cumulativeKeys, &result)
	m.RecordedAt = v.timestamp(fields, receivedAt, &result)

	return result
}

func (v *Validator) number(fields map[string]json.RawMessage, keys []string, result *ValidationResult) *float64 {
	raw, key, ok := lookup(fields, keys)
	if !ok {
		return nil
	}

	value, err := parseNumber(raw)
	if err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: %v", key, err))
		return nil
	}
	if value == nil {
		return nil
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: value is not finite", key))
		return nil
	}
	if *value < 0 {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: negative value detected", key))
		return nil
	}
	return value
}

func (v *Validator) timestamp(fields map[string]json.RawMessage, receivedAt time.Time, result *ValidationResult) *time.Time {
	raw, key, ok := lookup(fields, recordedAtKeys)
	if !ok {
		return fallbackTime(receivedAt)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: timestamp must be a string", key))
		return fallbackTime(receivedAt)
	}

	readingTime, err := timeparser.ParseReadingTimestamp(s)
	if err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: invalid timestamp format: %v", key, err))
		return fallbackTime(receivedAt)
	}

	if !receivedAt.IsZero() && !timeparser.IsWithinTolerance(readingTime, receivedAt, v.timestampToleranceMinutes) {
		result.Issues = append(result.Issues, fmt.Sprintf("%s: timestamp outside tolerance window (±%d minutes)", key, v.timestampToleranceMinutes))
		return fallbackTime(receivedAt)
	}

	return &readingTime
}

func lookup(fields map[string]json.RawMessage, keys []string) (json.RawMessage, string, bool) {
	for _, key := range keys {
		if raw, ok := fields[key]; ok {
			return raw, key, true
		}
	}
	return nil, "", false
}

// parseNumber accepts a JSON number or a numeric string, optionally wrapped in
// square brackets. JSON null means "not supplied".
func parseNumber(raw json.RawMessage) (*float64, error) {
	if string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid metric value %s", string(raw))
	}
	s = strings.TrimSpace(strings.Trim(s, "[]"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid metric value: %w", err)
	}
	return &f, nil
}

func fallbackTime(receivedAt time.Time) *time.Time {
	if receivedAt.IsZero() {
		return nil
	}
	return &receivedAt
}

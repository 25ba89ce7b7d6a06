package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseReadingTimestamp attempts to parse a device timestamp with multiple formats.
// Formats without a zone are read as UTC.
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
		time.RFC3339Nano,      // Standard RFC3339, optional fraction
		time.DateTime,         // YYYY-MM-DD HH:mm:ss
	}

	dateStr = strings.TrimSpace(dateStr)
	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}

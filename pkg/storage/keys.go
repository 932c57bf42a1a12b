package storage

import (
	"fmt"
	"time"
)

func identityKey(category, flightKey string) string {
	if category == "" || flightKey == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s", category, flightKey)
}

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime reads timestamps written by formatTime as well as SQLite's
// CURRENT_TIMESTAMP format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

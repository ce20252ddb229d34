package utils

import (
	"fmt"
	"time"
)

// HourKeyLayout is the canonical textual form of an hour bucket.
const HourKeyLayout = "20060102T15"

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// TruncateHour returns t in UTC truncated to the start of its hour.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// LastClosedHour returns the start of the newest hour that closed at least settle before tick.
func LastClosedHour(tick time.Time, settle time.Duration) time.Time {
	if settle < 0 {
		settle = 0
	}
	return TruncateHour(tick.Add(-settle)).Add(-time.Hour)
}

// HourKey formats an hour start using HourKeyLayout.
func HourKey(t time.Time) string {
	return TruncateHour(t).Format(HourKeyLayout)
}

// ParseHourKey is the inverse of HourKey.
func ParseHourKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(HourKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hour key %q: %w", key, err)
	}
	return t, nil
}

// NextScheduleAt returns the first instant strictly after now at minute past the hour.
func NextScheduleAt(now time.Time, minute int) time.Time {
	if minute < 0 || minute > 59 {
		minute = 0
	}
	candidate := TruncateHour(now).Add(time.Duration(minute) * time.Minute)
	if !candidate.After(now.UTC()) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}

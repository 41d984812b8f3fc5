// Package timeutil provides time formatting helpers for CLI output.
package timeutil

import (
	"fmt"
	"time"
)

// LocalTimeFormat is the format used for displaying local times in CLI output.
// Uses Go's reference time: Mon Jan 2 15:04:05 2006.
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime renders a timestamp as a local time string. The zero time
// renders as "never".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(LocalTimeFormat)
}

// FormatAge renders how long ago t was as a compact single unit, e.g.
// "3d", "2h", "45m", "10s". The zero time renders as "never".
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// FormatExpiry renders an optional expiry timestamp. A nil pointer
// means the subject never expires; a past timestamp is marked expired.
func FormatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	if time.Now().After(*t) {
		return fmt.Sprintf("expired %s", FormatAge(*t))
	}
	return t.Local().Format(LocalTimeFormat)
}

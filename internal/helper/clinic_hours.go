package helper

import (
	"strings"
	"time"
)

// ClinicLocation returns the clinic-local timezone. All day scoping and
// registration numbering is anchored to this zone, never server-local time.
func ClinicLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kuala_Lumpur")
	if err != nil {
		return time.FixedZone("MYT", 8*60*60)
	}
	return loc
}

// DayBounds returns the [start, end) window of the clinic day containing t.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}

// IsClinicOpen reports whether now falls inside the configured opening hours.
// Empty config means always open. Times are "HH:MM" or "HH:MM:SS".
func IsClinicOpen(openAt, closeAt string, now time.Time, loc *time.Location) bool {
	if openAt == "" || closeAt == "" {
		return true
	}

	now = now.In(loc)

	layout := "15:04:05"

	// DB/env TIME format can be HH:MM:SS or HH:MM - normalize to HH:MM:SS
	if strings.Count(openAt, ":") == 1 {
		openAt += ":00"
	}
	if strings.Count(closeAt, ":") == 1 {
		closeAt += ":00"
	}

	openTime, err := time.ParseInLocation(layout, openAt, loc)
	if err != nil {
		return false
	}

	closeTime, err := time.ParseInLocation(layout, closeAt, loc)
	if err != nil {
		return false
	}

	openTime = time.Date(
		now.Year(), now.Month(), now.Day(),
		openTime.Hour(), openTime.Minute(), openTime.Second(),
		0, loc,
	)

	closeTime = time.Date(
		now.Year(), now.Month(), now.Day(),
		closeTime.Hour(), closeTime.Minute(), closeTime.Second(),
		0, loc,
	)

	// Closing past midnight, e.g. open 22:00 close 02:00. Before today's
	// opening we are still in yesterday's window, which closes at today's
	// closing time; at or after it, the window closes tomorrow.
	if closeTime.Before(openTime) {
		if now.Before(openTime) {
			openTime = openTime.Add(-24 * time.Hour)
		} else {
			closeTime = closeTime.Add(24 * time.Hour)
		}
	}

	return now.After(openTime) && now.Before(closeTime)
}

package helper

import (
	"testing"
	"time"
)

func TestDayBounds(t *testing.T) {
	loc := ClinicLocation()
	at := time.Date(2025, 3, 14, 23, 59, 59, 0, loc)
	start, end := DayBounds(at, loc)

	if start.Hour() != 0 || start.Day() != 14 {
		t.Errorf("start = %v, want midnight on the 14th", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("window = %v, want 24h", end.Sub(start))
	}
}

func TestIsClinicOpen(t *testing.T) {
	loc := ClinicLocation()
	at := func(h, m int) time.Time {
		return time.Date(2025, 3, 14, h, m, 0, 0, loc)
	}

	tests := []struct {
		name     string
		open     string
		close    string
		now      time.Time
		expected bool
	}{
		{"inside hours", "08:00", "22:00", at(14, 32), true},
		{"before opening", "08:00", "22:00", at(7, 59), false},
		{"after closing", "08:00", "22:00", at(22, 30), false},
		{"seconds format", "08:00:00", "22:00:00", at(9, 0), true},
		{"no config means open", "", "", at(3, 0), true},
		{"overnight inside", "22:00", "02:00", at(23, 0), true},
		{"overnight after midnight", "22:00", "02:00", at(1, 0), true},
		{"overnight closed", "22:00", "02:00", at(12, 0), false},
		{"overnight just closed", "22:00", "02:00", at(2, 30), false},
		{"overnight just before opening", "22:00", "02:00", at(21, 59), false},
		{"garbage config", "notatime", "22:00", at(12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsClinicOpen(tt.open, tt.close, tt.now, loc); got != tt.expected {
				t.Errorf("IsClinicOpen(%q, %q, %v) = %v, want %v",
					tt.open, tt.close, tt.now, got, tt.expected)
			}
		})
	}
}

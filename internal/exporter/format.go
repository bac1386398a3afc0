package exporter

import (
	"strconv"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// formatTime formats an optional timestamp in UTC; nil becomes empty.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// formatDuration returns the seconds between start and end with one decimal
func formatDuration(start, end *time.Time) string {
	if start == nil || end == nil {
		return ""
	}
	return strconv.FormatFloat(end.Sub(*start).Seconds(), 'f', 1, 64)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

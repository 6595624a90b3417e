package models

import "time"

// DateFormat is the wire and SQL format for collection dates.
const DateFormat = "2006-01-02"

// HistoryLowerBound is the earliest date any backfill mechanism will
// attempt. Nothing useful survives in web archives before it.
var HistoryLowerBound = time.Date(1996, time.January, 1, 0, 0, 0, 0, time.UTC)

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateFormat)
}

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateFormat, s, time.UTC)
}

// BeforeLowerBound reports whether d falls before the supported
// history window.
func BeforeLowerBound(d time.Time) bool {
	return d.Before(HistoryLowerBound)
}

package helper

import "time"

// StartOfDayUTC returns 00:00:00 UTC of the day containing now.
func StartOfDayUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonthUTC returns the first instant of the month containing now, UTC.
func StartOfMonthUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RollingWindowStart returns now − hours. Rolling windows have no reset
// boundary; the start slides with the clock.
func RollingWindowStart(now time.Time, hours int) time.Time {
	return now.UTC().Add(-time.Duration(hours) * time.Hour)
}

// NextDayUTC returns the start of the day after the one containing now.
func NextDayUTC(now time.Time) time.Time {
	return StartOfDayUTC(now).AddDate(0, 0, 1)
}

// NextMonthUTC returns the start of the month after the one containing now.
func NextMonthUTC(now time.Time) time.Time {
	return StartOfMonthUTC(now).AddDate(0, 1, 0)
}

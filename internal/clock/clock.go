// Package clock is the time source shared by the scheduler, the reconciler and
// intake, plus the timezone-aware calendar arithmetic recurrence relies on.
package clock

import (
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
)

// Clock supplies the current instant and cancelable timers. Tests drive it
// with clockwork.NewFakeClockAt.
type Clock = clockwork.Clock

// Timer is the cancel handle returned by Clock.AfterFunc.
type Timer = clockwork.Timer

func New() Clock {
	return clockwork.NewRealClock()
}

// Location loads an IANA zone, falling back to UTC for empty or unknown names.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AddDays moves t by n calendar days in loc keeping the wall-clock time.
func AddDays(t time.Time, loc *time.Location, n int) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day()+n, l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), loc)
}

// AddMonthsClamped moves t by n calendar months in loc, placing it on day
// (or the month's last day when the month is shorter). day <= 0 keeps t's day.
func AddMonthsClamped(t time.Time, loc *time.Location, n, day int) time.Time {
	l := t.In(loc)
	if day <= 0 {
		day = l.Day()
	}
	// normalise year/month first on day 1 so time.Date never overflows into the next month
	first := time.Date(l.Year(), l.Month()+time.Month(n), 1, 0, 0, 0, 0, loc)
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), loc)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Package recurrence computes the next occurrence of a repeating reminder.
//
// Everything here is pure: the same inputs always give the same output, which
// keeps the calendar rules testable without the scheduler's timers.
package recurrence

import (
	"time"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
)

// maxCalendarSteps bounds NextAfter for calendar kinds (about 27 years of daily steps).
const maxCalendarSteps = 10000

// Next returns the occurrence following dueAt, or false when the chain ends
// (one-shot spec, or the next occurrence falls after spec.EndAt). Calendar
// kinds are computed on the wall clock of loc; the result is UTC.
func Next(dueAt time.Time, spec models.RepeatSpec, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	var next time.Time
	switch spec.Kind {
	case models.RepeatMinutes:
		next = dueAt.Add(time.Duration(step(spec.Interval)) * time.Minute)
	case models.RepeatHours:
		next = dueAt.Add(time.Duration(step(spec.Interval)) * time.Hour)
	case models.RepeatDaily:
		next = clock.AddDays(dueAt, loc, 1)
	case models.RepeatWeekly:
		next = nextWeekly(dueAt, loc, spec.Interval)
	case models.RepeatMonthly:
		next = clock.AddMonthsClamped(dueAt, loc, 1, spec.Interval)
	case models.RepeatYearly:
		next = clock.AddMonthsClamped(dueAt, loc, 12, 0)
	default:
		return time.Time{}, false
	}

	next = next.UTC()
	if spec.EndAt != nil && next.After(*spec.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

// NextAfter returns the first occurrence of the chain seeded at dueAt that is
// strictly after the given instant. Used to skip occurrences missed while the
// process was down.
func NextAfter(dueAt time.Time, spec models.RepeatSpec, loc *time.Location, after time.Time) (time.Time, bool) {
	if !spec.IsPeriodic() {
		return time.Time{}, false
	}

	// Fixed-length steps can jump straight past the backlog.
	if unit := fixedStep(spec); unit > 0 && !dueAt.After(after) {
		n := after.Sub(dueAt)/unit + 1
		next := dueAt.Add(n * unit).UTC()
		if spec.EndAt != nil && next.After(*spec.EndAt) {
			return time.Time{}, false
		}
		return next, true
	}

	current := dueAt
	for i := 0; i < maxCalendarSteps; i++ {
		next, ok := Next(current, spec, loc)
		if !ok {
			return time.Time{}, false
		}
		if next.After(after) {
			return next, true
		}
		current = next
	}
	return time.Time{}, false
}

func step(interval int) int {
	if interval < 1 {
		return 1
	}
	return interval
}

func fixedStep(spec models.RepeatSpec) time.Duration {
	switch spec.Kind {
	case models.RepeatMinutes:
		return time.Duration(step(spec.Interval)) * time.Minute
	case models.RepeatHours:
		return time.Duration(step(spec.Interval)) * time.Hour
	}
	return 0
}

// nextWeekly adds a week, or moves to the next target weekday when dueAt sits
// on a different day. isoDay is 1 (Monday) .. 7 (Sunday); 0 means no target.
func nextWeekly(dueAt time.Time, loc *time.Location, isoDay int) time.Time {
	local := dueAt.In(loc)
	if isoDay <= 0 {
		return clock.AddDays(dueAt, loc, 7)
	}
	target := ISOToWeekday(isoDay)
	if local.Weekday() == target {
		return clock.AddDays(dueAt, loc, 7)
	}
	diff := (int(target) - int(local.Weekday()) + 7) % 7
	return clock.AddDays(dueAt, loc, diff)
}

// ISOToWeekday converts 1 (Monday) .. 7 (Sunday) to time.Weekday.
func ISOToWeekday(isoDay int) time.Weekday {
	return time.Weekday(isoDay % 7)
}

// WeekdayToISO converts time.Weekday to 1 (Monday) .. 7 (Sunday).
func WeekdayToISO(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

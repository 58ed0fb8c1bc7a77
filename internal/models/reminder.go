package models

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrInvalidRepeat = errors.New("invalid repeat specification")

// Upper bounds for step intervals: one year of minutes or hours.
const (
	MaxMinutesInterval = 365 * 24 * 60
	MaxHoursInterval   = 365 * 24
)

// Status is the lifecycle state of a reminder occurrence or a recipient assignment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// CanTransition reports whether s may move to next. Transitions only leave scheduled.
func (s Status) CanTransition(next Status) bool {
	return s == StatusScheduled && (next == StatusSent || next == StatusCancelled)
}

type RepeatKind string

const (
	RepeatOnce    RepeatKind = "once"
	RepeatMinutes RepeatKind = "minutes"
	RepeatHours   RepeatKind = "hours"
	RepeatDaily   RepeatKind = "daily"
	RepeatWeekly  RepeatKind = "weekly"
	RepeatMonthly RepeatKind = "monthly"
	RepeatYearly  RepeatKind = "yearly"
)

// RepeatSpec describes how a reminder recurs. Kind once is a one-shot reminder;
// every other kind is periodic.
//
// Interval depends on Kind:
//   - minutes, hours: step count (values below 1 mean 1)
//   - weekly: ISO weekday 1 (Monday) .. 7 (Sunday), 0 for "same weekday"
//   - monthly: day of month 1..31, 0 for "same day as due-at"
//   - daily, yearly: unused
type RepeatSpec struct {
	Kind     RepeatKind
	Interval int
	EndAt    *time.Time
}

func Once() RepeatSpec {
	return RepeatSpec{Kind: RepeatOnce}
}

func (s RepeatSpec) IsPeriodic() bool {
	return s.Kind != RepeatOnce && s.Kind != ""
}

func (s RepeatSpec) Validate() error {
	switch s.Kind {
	case RepeatOnce, "":
		if s.EndAt != nil {
			return errors.Wrap(ErrInvalidRepeat, "end time on a one-shot reminder")
		}
		return nil
	case RepeatMinutes:
		if s.Interval > MaxMinutesInterval {
			return errors.Wrapf(ErrInvalidRepeat, "every %d minutes exceeds a year", s.Interval)
		}
	case RepeatHours:
		if s.Interval > MaxHoursInterval {
			return errors.Wrapf(ErrInvalidRepeat, "every %d hours exceeds a year", s.Interval)
		}
	case RepeatDaily, RepeatYearly:
	case RepeatWeekly:
		if s.Interval > 7 {
			return errors.Wrapf(ErrInvalidRepeat, "weekday %d out of range", s.Interval)
		}
	case RepeatMonthly:
		if s.Interval > 31 {
			return errors.Wrapf(ErrInvalidRepeat, "day of month %d out of range", s.Interval)
		}
	default:
		return errors.Wrapf(ErrInvalidRepeat, "unknown kind %q", s.Kind)
	}
	if s.Interval < 0 {
		return errors.Wrapf(ErrInvalidRepeat, "negative interval %d", s.Interval)
	}
	return nil
}

type Reminder struct {
	ReminderID       int64      `json:"reminder_id"`
	UserID           int64      `json:"user_id"`
	Title            string     `json:"title"`
	DueAt            time.Time  `json:"due_at"`   // always UTC
	Timezone         string     `json:"timezone"` // IANA zone for wall-clock recurrence
	Repeat           RepeatSpec `json:"-"`
	RecurrenceRule   string     `json:"recurrence_rule"` // RFC 5545 rendering of Repeat
	ParentReminderID *int64     `json:"parent_reminder_id"`
	IsRecurring      bool       `json:"is_recurring"` // only the chain template
	Status           Status     `json:"status"`
	Message          string     `json:"message"` // rendered at creation time
	SentAt           *time.Time `json:"sent_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ChainID identifies the recurrence chain: the template's id.
func (r *Reminder) ChainID() int64 {
	if r.ParentReminderID != nil {
		return *r.ParentReminderID
	}
	return r.ReminderID
}

// RecipientAssignment binds one reminder occurrence to one recipient.
type RecipientAssignment struct {
	ReminderID  int64      `json:"reminder_id"`
	RecipientID int64      `json:"recipient_id"`
	Status      Status     `json:"status"`
	SentAt      *time.Time `json:"sent_at"`
}

type User struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	ChatID   int64  `json:"chat_id"`
	Timezone string `json:"timezone"`
}

// Package service validates reminder requests from the chat front-end,
// persists them and hands them to the scheduler.
package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/recurrence"
	"github.com/hray3182/remindline/internal/repository"
	"github.com/hray3182/remindline/internal/scheduler"
)

var (
	ErrInvalidTitle     = errors.New("title is required")
	ErrDueInPast        = errors.New("due time is in the past")
	ErrInvalidRepeat    = models.ErrInvalidRepeat
	ErrNotFound         = errors.New("reminder not found")
	ErrUnknownRecipient = errors.New("unknown recipient")
)

const (
	maxTitleLength = 500
	maxListed      = 50
)

type Store interface {
	Create(ctx context.Context, r *models.Reminder, recipientIDs []int64) error
	GetByID(ctx context.Context, id int64) (*models.Reminder, error)
	SearchScheduled(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error)
	ListScheduled(ctx context.Context, userID *int64) ([]*models.Reminder, error)
	ListByUser(ctx context.Context, userID int64, status models.Status, limit int) ([]*models.Reminder, error)
}

// Directory resolves recipient usernames.
type Directory interface {
	GetByUserName(ctx context.Context, userName string) (*models.User, error)
}

type Scheduler interface {
	Arm(ctx context.Context, r *models.Reminder) error
	Cancel(ctx context.Context, id int64) (scheduler.CancelResult, error)
	// Firing lists the user's reminders being delivered right now.
	Firing(userID int64) []*models.Reminder
}

type CreateRequest struct {
	UserID   int64
	Title    string
	DueAt    time.Time
	Timezone string
	Repeat   models.RepeatSpec
	// Recipients are usernames with or without the leading @. Empty means
	// the reminder is for its owner.
	Recipients []string
}

type Reminders struct {
	store     Store
	users     Directory
	scheduler Scheduler
	clock     clock.Clock
	log       zerolog.Logger
}

func New(store Store, users Directory, sched Scheduler, clk clock.Clock, logger zerolog.Logger) *Reminders {
	return &Reminders{
		store:     store,
		users:     users,
		scheduler: sched,
		clock:     clk,
		log:       logger.With().Str("component", "reminders").Logger(),
	}
}

// CreateAndArm validates req, stores the reminder with its recipient
// assignments and arms it.
func (s *Reminders) CreateAndArm(ctx context.Context, req CreateRequest) (*models.Reminder, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, ErrInvalidTitle
	}
	if !req.DueAt.After(s.clock.Now()) {
		return nil, ErrDueInPast
	}

	loc := clock.Location(req.Timezone)
	repeat, err := normalizeRepeat(req.Repeat, req.DueAt, loc)
	if err != nil {
		return nil, err
	}

	recipientIDs, err := s.resolveRecipients(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}

	rule, err := recurrence.RRule(repeat, req.DueAt, loc)
	if err != nil {
		return nil, err
	}

	r := &models.Reminder{
		UserID:         req.UserID,
		Title:          title,
		DueAt:          req.DueAt.UTC(),
		Timezone:       loc.String(),
		Repeat:         repeat,
		RecurrenceRule: rule,
		IsRecurring:    repeat.IsPeriodic(),
		Status:         models.StatusScheduled,
		Message:        RenderMessage(title, repeat),
	}
	if err := s.store.Create(ctx, r, recipientIDs); err != nil {
		return nil, errors.Wrap(err, "save reminder")
	}

	if err := s.scheduler.Arm(ctx, r); err != nil {
		// the row is persisted and will be armed on the next resync
		s.log.Error().Err(err).Int64("reminder_id", r.ReminderID).Msg("failed to arm new reminder")
	}

	s.log.Info().
		Int64("reminder_id", r.ReminderID).
		Int64("user_id", r.UserID).
		Time("due_at", r.DueAt).
		Str("repeat", string(repeat.Kind)).
		Int("recipients", len(recipientIDs)).
		Msg("reminder created")
	return r, nil
}

func normalizeRepeat(spec models.RepeatSpec, dueAt time.Time, loc *time.Location) (models.RepeatSpec, error) {
	if spec.Kind == "" {
		spec.Kind = models.RepeatOnce
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	if spec.EndAt != nil {
		if spec.EndAt.Before(dueAt) {
			return spec, errors.Wrap(ErrInvalidRepeat, "end time before due time")
		}
		end := spec.EndAt.UTC()
		spec.EndAt = &end
	}
	// Pin the target day so a chain starting on the 31st comes back to it
	// after shorter months.
	if spec.Kind == models.RepeatMonthly && spec.Interval == 0 {
		spec.Interval = dueAt.In(loc).Day()
	}
	return spec, nil
}

func (s *Reminders) resolveRecipients(ctx context.Context, names []string) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, name := range names {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			continue
		}
		user, err := s.users.GetByUserName(ctx, name)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownRecipient, "@%s", name)
		}
		if err != nil {
			return nil, errors.Wrap(err, "resolve recipient")
		}
		if seen[user.UserID] {
			continue
		}
		seen[user.UserID] = true
		ids = append(ids, user.UserID)
	}
	return ids, nil
}

// RenderMessage builds the text delivered when the reminder fires.
func RenderMessage(title string, repeat models.RepeatSpec) string {
	text := "⏰ **提醒**\n\n" + title
	if repeat.IsPeriodic() {
		text += fmt.Sprintf("\n\n🔁 %s", recurrence.Describe(repeat))
	}
	return text
}

// CancelByID cancels one of the user's reminders. Cancelling an occurrence of
// a recurring reminder that already went out stops the rest of its chain.
func (s *Reminders) CancelByID(ctx context.Context, userID, id int64) (scheduler.CancelResult, error) {
	r, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && r.UserID != userID) {
		return scheduler.AlreadyProcessed, ErrNotFound
	}
	if err != nil {
		return scheduler.AlreadyProcessed, errors.Wrap(err, "load reminder")
	}

	// The engine goes first: an occurrence being delivered is already sent in
	// the store and only the engine can stop its chain.
	res, err := s.cancel(ctx, r)
	if err != nil || res != scheduler.AlreadyProcessed || !r.Repeat.IsPeriodic() {
		return res, err
	}

	live, err := s.liveOccurrences(ctx, userID, func(o *models.Reminder) bool {
		return o.ChainID() == r.ChainID() && o.ReminderID != r.ReminderID
	})
	if err != nil {
		return res, err
	}
	for _, occ := range live {
		occRes, err := s.cancel(ctx, occ)
		if err != nil {
			return res, err
		}
		// Cancelled beats AlreadyFired beats AlreadyProcessed
		if occRes < res {
			res = occRes
		}
	}
	return res, nil
}

// liveOccurrences returns the user's scheduled and in-delivery reminders that
// match keep, earliest first.
func (s *Reminders) liveOccurrences(ctx context.Context, userID int64, keep func(*models.Reminder) bool) ([]*models.Reminder, error) {
	scheduled, err := s.store.ListScheduled(ctx, &userID)
	if err != nil {
		return nil, errors.Wrap(err, "list reminders")
	}
	return s.withFiring(userID, scheduled, keep), nil
}

// withFiring filters listed by keep and adds the matching reminders the
// engine is delivering, which the store no longer reports as scheduled.
func (s *Reminders) withFiring(userID int64, listed []*models.Reminder, keep func(*models.Reminder) bool) []*models.Reminder {
	seen := make(map[int64]bool)
	var out []*models.Reminder
	for _, r := range append(listed, s.scheduler.Firing(userID)...) {
		if seen[r.ReminderID] || !keep(r) {
			continue
		}
		seen[r.ReminderID] = true
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b *models.Reminder) int {
		return a.DueAt.Compare(b.DueAt)
	})
	return out
}

func (s *Reminders) cancel(ctx context.Context, r *models.Reminder) (scheduler.CancelResult, error) {
	res, err := s.scheduler.Cancel(ctx, r.ReminderID)
	if err != nil {
		return res, errors.Wrapf(err, "cancel reminder %d", r.ReminderID)
	}
	s.log.Info().Int64("reminder_id", r.ReminderID).Int64("user_id", r.UserID).Stringer("result", res).Msg("cancel requested")
	return res, nil
}

// CancelByKeyword cancels every live reminder of the user whose title
// contains keyword and returns the ones that will not fire again.
func (s *Reminders) CancelByKeyword(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrNotFound
	}
	matches, err := s.store.SearchScheduled(ctx, userID, keyword)
	if err != nil {
		return nil, errors.Wrap(err, "search reminders")
	}
	lower := strings.ToLower(keyword)
	matches = s.withFiring(userID, matches, func(r *models.Reminder) bool {
		return strings.Contains(strings.ToLower(r.Title), lower)
	})
	return s.cancelEach(ctx, matches)
}

// CancelAll cancels every live reminder of the user.
func (s *Reminders) CancelAll(ctx context.Context, userID int64) ([]*models.Reminder, error) {
	live, err := s.liveOccurrences(ctx, userID, func(*models.Reminder) bool { return true })
	if err != nil {
		return nil, err
	}
	return s.cancelEach(ctx, live)
}

func (s *Reminders) cancelEach(ctx context.Context, reminders []*models.Reminder) ([]*models.Reminder, error) {
	var stopped []*models.Reminder
	for _, r := range reminders {
		res, err := s.cancel(ctx, r)
		if err != nil {
			return stopped, err
		}
		if res != scheduler.AlreadyProcessed {
			stopped = append(stopped, r)
		}
	}
	return stopped, nil
}

// List returns the user's scheduled reminders, earliest first.
func (s *Reminders) List(ctx context.Context, userID int64) ([]*models.Reminder, error) {
	reminders, err := s.store.ListByUser(ctx, userID, models.StatusScheduled, maxListed)
	return reminders, errors.Wrap(err, "list reminders")
}

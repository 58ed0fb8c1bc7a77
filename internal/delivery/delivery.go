// Package delivery fans a fired reminder out to its recipients.
//
// Delivery is best effort and at most one attempt per recipient per
// occurrence: the transport is not idempotent, so a failed send is recorded
// and left for inspection instead of being retried.
package delivery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/metrics"
	"github.com/hray3182/remindline/internal/models"
)

// Store reads and updates per-recipient delivery state.
type Store interface {
	Assignments(ctx context.Context, reminderID int64) ([]models.RecipientAssignment, error)
	UpdateAssignmentStatus(ctx context.Context, reminderID, recipientID int64, status models.Status, sentAt *time.Time) error
}

// AddressBook resolves a user to the chat the message goes to.
type AddressBook interface {
	ChatID(ctx context.Context, userID int64) (int64, error)
}

// Sender is the outbound messaging transport.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Outcome is the result for one recipient.
type Outcome struct {
	RecipientID int64
	Assigned    bool // false for the self-reminder fallback
	SentAt      *time.Time
	Err         error
}

type Report struct {
	ReminderID int64
	Outcomes   []Outcome
	// Err is set when the recipient set could not be resolved at all.
	Err error
}

func (r Report) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r Report) Failed() int {
	return len(r.Outcomes) - r.Delivered()
}

type Config struct {
	// Concurrency bounds parallel sends for one reminder.
	Concurrency int
}

type Coordinator struct {
	config  Config
	store   Store
	book    AddressBook
	sender  Sender
	clock   clock.Clock
	metrics metrics.Sink
	log     zerolog.Logger
}

func NewCoordinator(config Config, store Store, book AddressBook, sender Sender, clk clock.Clock, sink metrics.Sink, logger zerolog.Logger) *Coordinator {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Coordinator{
		config:  config,
		store:   store,
		book:    book,
		sender:  sender,
		clock:   clk,
		metrics: sink,
		log:     logger.With().Str("component", "delivery").Logger(),
	}
}

// Deliver sends the reminder's rendered message to every scheduled
// assignment, or to the owner when there are none. Failures are isolated
// per recipient and never returned as an error.
func (c *Coordinator) Deliver(ctx context.Context, r *models.Reminder) Report {
	report := Report{ReminderID: r.ReminderID}
	log := c.log.With().Int64("reminder_id", r.ReminderID).Logger()

	assignments, err := c.store.Assignments(ctx, r.ReminderID)
	if err != nil {
		report.Err = errors.Wrap(err, "load assignments")
		log.Error().Err(err).Msg("failed to resolve recipients, nothing delivered")
		return report
	}

	var targets []Outcome
	if len(assignments) == 0 {
		targets = []Outcome{{RecipientID: r.UserID}}
	} else {
		for _, a := range assignments {
			if a.Status != models.StatusScheduled {
				continue
			}
			targets = append(targets, Outcome{RecipientID: a.RecipientID, Assigned: true})
		}
	}

	report.Outcomes = targets
	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		g.Go(func() error {
			c.deliverOne(ctx, r, o, log)
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func (c *Coordinator) deliverOne(ctx context.Context, r *models.Reminder, o *Outcome, log zerolog.Logger) {
	log = log.With().Int64("recipient_id", o.RecipientID).Logger()

	chatID, err := c.book.ChatID(ctx, o.RecipientID)
	if err != nil {
		o.Err = errors.Wrap(err, "resolve chat")
	} else if err := c.sender.Send(ctx, chatID, r.Message); err != nil {
		o.Err = errors.Wrap(err, "send")
	}
	if o.Err != nil {
		c.metrics.DeliveryOutcome(metrics.OutcomeFailed)
		log.Warn().Err(o.Err).Msg("delivery failed, assignment left scheduled")
		return
	}

	now := c.clock.Now().UTC()
	o.SentAt = &now
	c.metrics.DeliveryOutcome(metrics.OutcomeSent)

	if !o.Assigned {
		return
	}
	if err := c.store.UpdateAssignmentStatus(ctx, r.ReminderID, o.RecipientID, models.StatusSent, &now); err != nil {
		// The message went out; only the bookkeeping is missing.
		log.Error().Err(err).Msg("failed to record delivered assignment")
	}
}

// Package scheduler arms timers for persisted reminders, fires them through
// the delivery coordinator and walks recurrence chains.
//
// Every occurrence goes unarmed -> armed -> {fired, cancelled}. The registry
// decides the in-process race between a cancel and a timer; the persisted
// scheduled -> sent / scheduled -> cancelled transitions decide it across
// processes, so an occurrence is either delivered or reported cancelled,
// never both.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/delivery"
	"github.com/hray3182/remindline/internal/metrics"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/recurrence"
)

var ErrStopped = errors.New("scheduler stopped")

// tombstoneTTL bounds how long a cancel is remembered for Resync.
const tombstoneTTL = time.Hour

// Store is the persistence the engine needs.
type Store interface {
	// CreateOccurrence inserts r (setting ReminderID) together with one
	// scheduled assignment per recipient.
	CreateOccurrence(ctx context.Context, r *models.Reminder, recipientIDs []int64) error
	// TransitionStatus moves the reminder from -> to and reports whether a row changed.
	TransitionStatus(ctx context.Context, reminderID int64, from, to models.Status, at time.Time) (bool, error)
	ListScheduled(ctx context.Context, userID *int64) ([]*models.Reminder, error)
	RecipientIDs(ctx context.Context, reminderID int64) ([]int64, error)
	CancelAssignments(ctx context.Context, reminderID int64) error
}

type Deliverer interface {
	Deliver(ctx context.Context, r *models.Reminder) delivery.Report
}

type Config struct {
	// GraceWindow is how late an occurrence may be and still fire.
	GraceWindow time.Duration
	// FireTimeout bounds delivery and chaining work for one occurrence.
	FireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GraceWindow: 30 * time.Second,
		FireTimeout: 30 * time.Second,
	}
}

type CancelResult int

const (
	// Cancelled: the occurrence will never fire.
	Cancelled CancelResult = iota
	// AlreadyFired: the occurrence was being delivered; its chain stops.
	AlreadyFired
	// AlreadyProcessed: the occurrence was sent or cancelled before.
	AlreadyProcessed
)

func (c CancelResult) String() string {
	switch c {
	case Cancelled:
		return "cancelled"
	case AlreadyFired:
		return "already_fired"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

type Engine struct {
	config    Config
	store     Store
	deliverer Deliverer
	clock     clock.Clock
	registry  *Registry
	metrics   metrics.Sink
	log       zerolog.Logger

	// ctx outlives the requests that arm reminders; timer callbacks derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	// cancelled remembers when each reminder was cancelled so a Resync
	// working from an older listing does not arm it again.
	tombMu    sync.Mutex
	cancelled map[int64]time.Time
}

func New(config Config, store Store, deliverer Deliverer, clk clock.Clock, sink metrics.Sink, logger zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:    config,
		store:     store,
		deliverer: deliverer,
		clock:     clk,
		registry:  NewRegistry(),
		metrics:   sink,
		log:       logger.With().Str("component", "scheduler").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(map[int64]time.Time),
	}
}

// Start re-arms every persisted scheduled reminder. It fails when the
// reminders cannot be listed, leaving nothing armed.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.Resync(ctx)
	if err != nil {
		return errors.Wrap(err, "restore scheduled reminders")
	}
	e.log.Info().Int("armed", n).Dur("grace_window", e.config.GraceWindow).Msg("scheduler started")
	return nil
}

// Resync arms every persisted scheduled reminder that has no live job.
// Reminders cancelled after the listing was taken are left alone.
func (e *Engine) Resync(ctx context.Context) (int, error) {
	since := e.clock.Now()
	e.pruneTombstones(since.Add(-tombstoneTTL))

	reminders, err := e.store.ListScheduled(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "list scheduled")
	}

	armed := 0
	for _, r := range reminders {
		if e.registry.Has(r.ReminderID) || e.cancelledSince(r.ReminderID, since) {
			continue
		}
		if err := e.Arm(ctx, r); err != nil {
			if errors.Is(err, ErrStopped) {
				return armed, err
			}
			e.log.Error().Err(err).Int64("reminder_id", r.ReminderID).Msg("failed to arm reminder")
			continue
		}
		armed++
	}
	return armed, nil
}

// Stop cancels pending timers and waits for fires already in progress.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	n := e.registry.Drain()
	e.inflight.Wait()
	e.cancel()
	e.metrics.ArmedJobsUpdate(0)
	e.log.Info().Int("disarmed", n).Msg("scheduler stopped")
}

// Arm schedules r. Overdue occurrences fire immediately when within the grace
// window and are skipped otherwise; a skipped recurring reminder advances to
// its next future occurrence. Arming an id twice replaces the earlier timer.
func (e *Engine) Arm(ctx context.Context, r *models.Reminder) error {
	if e.isStopped() {
		return ErrStopped
	}
	if r.Status != models.StatusScheduled {
		return nil
	}

	now := e.clock.Now()
	delay := r.DueAt.Sub(now)

	switch {
	case delay > 0:
		job := newArmedJob(r, r.DueAt)
		e.add(job)
		id, token := r.ReminderID, job.Token
		job.attach(e.clock.AfterFunc(delay, func() { e.fire(id, token) }))
	case -delay <= e.config.GraceWindow:
		job := newArmedJob(r, now)
		e.add(job)
		go e.fire(r.ReminderID, job.Token)
	default:
		return e.skip(ctx, r, now)
	}
	return nil
}

func (e *Engine) add(job *ArmedJob) {
	if prev := e.registry.Add(job); prev != nil {
		e.log.Debug().Int64("reminder_id", job.Reminder.ReminderID).Msg("replaced armed timer")
	}
	e.metrics.ReminderArmed()
	e.metrics.ArmedJobsUpdate(e.registry.Len())
}

// Armed reports whether the reminder has a live or in-flight job.
func (e *Engine) Armed(id int64) bool {
	return e.registry.Has(id)
}

func (e *Engine) ArmedCount() int {
	return e.registry.Len()
}

// Firing returns the user's reminders whose delivery is in progress. Their
// rows are already sent, so only the engine still knows they are live.
func (e *Engine) Firing(userID int64) []*models.Reminder {
	return e.registry.Firing(userID)
}

// Cancel stops the reminder's occurrence. It is idempotent: cancelling a
// reminder that was already sent or cancelled reports AlreadyProcessed.
func (e *Engine) Cancel(ctx context.Context, id int64) (CancelResult, error) {
	log := e.log.With().Int64("reminder_id", id).Logger()

	job, res := e.registry.Remove(id)
	switch res {
	case InFlight:
		e.metrics.ReminderCancelled(AlreadyFired.String())
		log.Info().Msg("cancel arrived while firing, recurrence stops after this occurrence")
		return AlreadyFired, nil
	case Removed:
		e.metrics.ArmedJobsUpdate(e.registry.Len())
	}

	changed, err := e.store.TransitionStatus(ctx, id, models.StatusScheduled, models.StatusCancelled, e.clock.Now())
	if err != nil {
		if job != nil {
			// keep memory consistent with the row that is still scheduled
			if armErr := e.Arm(e.ctx, job.Reminder); armErr != nil {
				log.Error().Err(armErr).Msg("failed to re-arm after cancel error")
			}
		}
		return AlreadyProcessed, errors.Wrap(err, "mark cancelled")
	}
	if !changed {
		e.metrics.ReminderCancelled(AlreadyProcessed.String())
		return AlreadyProcessed, nil
	}

	e.tombstone(id)
	if err := e.store.CancelAssignments(ctx, id); err != nil {
		log.Warn().Err(err).Msg("failed to cancel recipient assignments")
	}
	e.metrics.ReminderCancelled(Cancelled.String())
	log.Info().Bool("had_timer", job != nil).Msg("reminder cancelled")
	return Cancelled, nil
}

func (e *Engine) fire(id int64, token uuid.UUID) {
	if !e.enter() {
		return
	}
	defer e.inflight.Done()

	job, ok := e.registry.Claim(id, token)
	if !ok {
		return
	}
	defer func() { e.metrics.ArmedJobsUpdate(e.registry.Len()) }()

	r := job.Reminder
	log := e.log.With().Int64("reminder_id", id).Int64("user_id", r.UserID).Logger()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.FireTimeout)
	defer cancel()

	now := e.clock.Now()
	changed, err := e.store.TransitionStatus(ctx, id, models.StatusScheduled, models.StatusSent, now)
	if err != nil {
		e.registry.Finish(id, token)
		log.Error().Err(err).Msg("failed to mark reminder sent, occurrence left scheduled")
		return
	}
	if !changed {
		e.registry.Finish(id, token)
		log.Info().Msg("reminder no longer scheduled, not delivering")
		return
	}

	e.metrics.ReminderFired(now.Sub(r.DueAt))
	report := e.deliverer.Deliver(ctx, r)
	log.Info().
		Int("delivered", report.Delivered()).
		Int("failed", report.Failed()).
		Time("due_at", r.DueAt).
		Msg("reminder fired")

	if !r.Repeat.IsPeriodic() {
		e.registry.Finish(id, token)
		return
	}

	// The job stays registered while the successor is created, so a cancel
	// arriving meanwhile is still flagged on it and checked below.
	var successor *models.Reminder
	if !e.registry.CancelRequested(id, token) {
		// Seed from the scheduled due-at, not the fire time, so the chain never drifts.
		next, ok := recurrence.Next(r.DueAt, r.Repeat, clock.Location(r.Timezone))
		if !ok {
			e.registry.Finish(id, token)
			e.metrics.ChainTerminated(metrics.ChainEnded)
			log.Info().Msg("recurrence finished")
			return
		}
		successor = e.advance(r, next)
		if successor == nil {
			e.registry.Finish(id, token)
			return
		}
	}

	if !e.registry.Finish(id, token) {
		return
	}
	e.metrics.ChainTerminated(metrics.ChainCancelled)
	log.Info().Msg("recurrence cancelled during delivery")
	if successor == nil {
		return
	}
	if _, err := e.Cancel(ctx, successor.ReminderID); err != nil {
		log.Error().Err(err).Int64("next_reminder_id", successor.ReminderID).Msg("failed to cancel next occurrence")
	}
}

// skip drops an occurrence that is too late to deliver and, for recurring
// reminders, arms the next occurrence after now.
func (e *Engine) skip(ctx context.Context, r *models.Reminder, now time.Time) error {
	log := e.log.With().Int64("reminder_id", r.ReminderID).Logger()

	changed, err := e.store.TransitionStatus(ctx, r.ReminderID, models.StatusScheduled, models.StatusCancelled, now)
	if err != nil {
		return errors.Wrap(err, "mark skipped")
	}
	if !changed {
		return nil
	}
	e.metrics.ReminderSkipped()
	log.Warn().Time("due_at", r.DueAt).Dur("overdue", now.Sub(r.DueAt)).Msg("missed occurrence skipped")

	if err := e.store.CancelAssignments(ctx, r.ReminderID); err != nil {
		log.Warn().Err(err).Msg("failed to cancel recipient assignments")
	}

	if !r.Repeat.IsPeriodic() {
		return nil
	}
	next, ok := recurrence.NextAfter(r.DueAt, r.Repeat, clock.Location(r.Timezone), now)
	if !ok {
		e.metrics.ChainTerminated(metrics.ChainEnded)
		log.Info().Msg("recurrence finished while skipping")
		return nil
	}
	e.advance(r, next)
	return nil
}

// advance persists the successor of prev due at dueAt and arms it. A failed
// insert is retried once; after that the chain ends with a logged gap and
// nil is returned.
func (e *Engine) advance(prev *models.Reminder, dueAt time.Time) *models.Reminder {
	log := e.log.With().Int64("reminder_id", prev.ReminderID).Int64("chain_id", prev.ChainID()).Logger()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.FireTimeout)
	defer cancel()

	parent := prev.ChainID()
	next := &models.Reminder{
		UserID:           prev.UserID,
		Title:            prev.Title,
		DueAt:            dueAt.UTC(),
		Timezone:         prev.Timezone,
		Repeat:           prev.Repeat,
		RecurrenceRule:   prev.RecurrenceRule,
		ParentReminderID: &parent,
		Status:           models.StatusScheduled,
		Message:          prev.Message,
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		next.ReminderID = 0
		if err = e.persistSuccessor(ctx, prev.ReminderID, next); err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("failed to persist next occurrence")
	}
	if err != nil {
		e.metrics.ChainTerminated(metrics.ChainPersistFailed)
		log.Error().Err(err).Time("next_due_at", dueAt).Msg("recurrence chain terminated")
		return nil
	}

	log.Info().Int64("next_reminder_id", next.ReminderID).Time("next_due_at", next.DueAt).Msg("next occurrence scheduled")
	if err := e.Arm(ctx, next); err != nil {
		// the row stays scheduled and is picked up by the next resync
		log.Error().Err(err).Int64("next_reminder_id", next.ReminderID).Msg("failed to arm next occurrence")
	}
	return next
}

func (e *Engine) persistSuccessor(ctx context.Context, prevID int64, next *models.Reminder) error {
	recipients, err := e.store.RecipientIDs(ctx, prevID)
	if err != nil {
		return errors.Wrap(err, "load recipients")
	}
	return errors.Wrap(e.store.CreateOccurrence(ctx, next, recipients), "create occurrence")
}

func (e *Engine) tombstone(id int64) {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	e.cancelled[id] = e.clock.Now()
}

func (e *Engine) cancelledSince(id int64, since time.Time) bool {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	at, ok := e.cancelled[id]
	return ok && !at.Before(since)
}

func (e *Engine) pruneTombstones(before time.Time) {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	for id, at := range e.cancelled {
		if at.Before(before) {
			delete(e.cancelled, id)
		}
	}
}

func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.inflight.Add(1)
	return true
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

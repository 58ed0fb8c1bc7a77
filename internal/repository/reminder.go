package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/hray3182/remindline/internal/database"
	"github.com/hray3182/remindline/internal/models"
)

var ErrNotFound = errors.New("not found")

const reminderColumns = `reminder_id, user_id, title, due_at, timezone, repeat_kind, repeat_interval,
	repeat_end_at, recurrence_rule, parent_reminder_id, is_recurring, status, message, sent_at, created_at`

type ReminderRepository struct {
	db *database.DB
}

func NewReminderRepository(db *database.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(row scanner) (*models.Reminder, error) {
	r := &models.Reminder{}
	var kind, status string
	err := row.Scan(&r.ReminderID, &r.UserID, &r.Title, &r.DueAt, &r.Timezone, &kind, &r.Repeat.Interval,
		&r.Repeat.EndAt, &r.RecurrenceRule, &r.ParentReminderID, &r.IsRecurring, &status, &r.Message, &r.SentAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Repeat.Kind = models.RepeatKind(kind)
	r.Status = models.Status(status)
	r.DueAt = r.DueAt.UTC()
	return r, nil
}

func collectReminders(rows pgx.Rows) ([]*models.Reminder, error) {
	defer rows.Close()

	var reminders []*models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reminder")
		}
		reminders = append(reminders, r)
	}
	return reminders, errors.Wrap(rows.Err(), "iterate reminders")
}

// Create inserts the reminder and one scheduled assignment per recipient in a
// single transaction. ReminderID and CreatedAt are set on success.
func (r *ReminderRepository) Create(ctx context.Context, reminder *models.Reminder, recipientIDs []int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if reminder.Status == "" {
		reminder.Status = models.StatusScheduled
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reminders (user_id, title, due_at, timezone, repeat_kind, repeat_interval, repeat_end_at,
		     recurrence_rule, parent_reminder_id, is_recurring, status, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING reminder_id, created_at`,
		reminder.UserID, reminder.Title, reminder.DueAt.UTC(), reminder.Timezone, string(reminder.Repeat.Kind),
		reminder.Repeat.Interval, reminder.Repeat.EndAt, reminder.RecurrenceRule, reminder.ParentReminderID,
		reminder.IsRecurring, string(reminder.Status), reminder.Message,
	).Scan(&reminder.ReminderID, &reminder.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert reminder")
	}

	for _, id := range recipientIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO reminder_recipients (reminder_id, recipient_id, status)
			 VALUES ($1, $2, 'scheduled')
			 ON CONFLICT (reminder_id, recipient_id) DO NOTHING`,
			reminder.ReminderID, id,
		)
		if err != nil {
			return errors.Wrapf(err, "insert recipient %d", id)
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit")
}

// CreateOccurrence persists the next occurrence of a chain.
func (r *ReminderRepository) CreateOccurrence(ctx context.Context, reminder *models.Reminder, recipientIDs []int64) error {
	return r.Create(ctx, reminder, recipientIDs)
}

// TransitionStatus applies from -> to only if the row is still in from.
// sent_at is stamped when moving to sent.
func (r *ReminderRepository) TransitionStatus(ctx context.Context, reminderID int64, from, to models.Status, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, errors.Newf("illegal transition %s -> %s", from, to)
	}
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders
		 SET status = $1, sent_at = CASE WHEN $1 = 'sent' THEN $4 ELSE sent_at END
		 WHERE reminder_id = $2 AND status = $3`,
		string(to), reminderID, string(from), at.UTC(),
	)
	if err != nil {
		return false, errors.Wrap(err, "update status")
	}
	return tag.RowsAffected() == 1, nil
}

// ListScheduled returns scheduled reminders ordered by due time, for one user
// or for everyone when userID is nil.
func (r *ReminderRepository) ListScheduled(ctx context.Context, userID *int64) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status = 'scheduled' AND ($1::BIGINT IS NULL OR user_id = $1)
		 ORDER BY due_at ASC`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query scheduled reminders")
	}
	return collectReminders(rows)
}

// ListByUser returns up to limit of the user's reminders in status, earliest first.
func (r *ReminderRepository) ListByUser(ctx context.Context, userID int64, status models.Status, limit int) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE user_id = $1 AND status = $2
		 ORDER BY due_at ASC
		 LIMIT $3`,
		userID, string(status), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query reminders")
	}
	return collectReminders(rows)
}

// SearchScheduled finds the user's scheduled reminders whose title contains keyword.
func (r *ReminderRepository) SearchScheduled(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE user_id = $1 AND status = 'scheduled' AND title ILIKE '%' || $2 || '%'
		 ORDER BY due_at ASC`,
		userID, keyword,
	)
	if err != nil {
		return nil, errors.Wrap(err, "search reminders")
	}
	return collectReminders(rows)
}

func (r *ReminderRepository) GetByID(ctx context.Context, reminderID int64) (*models.Reminder, error) {
	reminder, err := scanReminder(r.db.Pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE reminder_id = $1`,
		reminderID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get reminder")
	}
	return reminder, nil
}

func (r *ReminderRepository) RecipientIDs(ctx context.Context, reminderID int64) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT recipient_id FROM reminder_recipients WHERE reminder_id = $1 ORDER BY recipient_id`,
		reminderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recipients")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, errors.Wrap(err, "collect recipients")
}

func (r *ReminderRepository) Assignments(ctx context.Context, reminderID int64) ([]models.RecipientAssignment, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT reminder_id, recipient_id, status, sent_at
		 FROM reminder_recipients WHERE reminder_id = $1 ORDER BY recipient_id`,
		reminderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query assignments")
	}
	defer rows.Close()

	var assignments []models.RecipientAssignment
	for rows.Next() {
		var a models.RecipientAssignment
		var status string
		if err := rows.Scan(&a.ReminderID, &a.RecipientID, &status, &a.SentAt); err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		a.Status = models.Status(status)
		assignments = append(assignments, a)
	}
	return assignments, errors.Wrap(rows.Err(), "iterate assignments")
}

// UpdateAssignmentStatus moves a scheduled assignment to status.
func (r *ReminderRepository) UpdateAssignmentStatus(ctx context.Context, reminderID, recipientID int64, status models.Status, sentAt *time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_recipients SET status = $3, sent_at = $4
		 WHERE reminder_id = $1 AND recipient_id = $2 AND status = 'scheduled'`,
		reminderID, recipientID, string(status), sentAt,
	)
	return errors.Wrap(err, "update assignment")
}

func (r *ReminderRepository) CancelAssignments(ctx context.Context, reminderID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE reminder_recipients SET status = 'cancelled'
		 WHERE reminder_id = $1 AND status = 'scheduled'`,
		reminderID,
	)
	return errors.Wrap(err, "cancel assignments")
}

package repository

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/hray3182/remindline/internal/database"
	"github.com/hray3182/remindline/internal/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreate registers the user or refreshes their username and chat.
// An existing timezone is kept.
func (r *UserRepository) GetOrCreate(ctx context.Context, userID int64, userName string, chatID int64, timezone string) (*models.User, error) {
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO users (user_id, user_name, chat_id, timezone) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET user_name = EXCLUDED.user_name, chat_id = EXCLUDED.chat_id
		 RETURNING user_id, user_name, chat_id, timezone`,
		userID, userName, chatID, timezone,
	).Scan(&user.UserID, &user.UserName, &user.ChatID, &user.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "upsert user")
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	return r.getOne(ctx, `SELECT user_id, user_name, chat_id, timezone FROM users WHERE user_id = $1`, userID)
}

// GetByUserName looks a user up by Telegram username, without the leading @.
func (r *UserRepository) GetByUserName(ctx context.Context, userName string) (*models.User, error) {
	return r.getOne(ctx,
		`SELECT user_id, user_name, chat_id, timezone FROM users WHERE lower(user_name) = lower($1)`,
		userName)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(&user.UserID, &user.UserName, &user.ChatID, &user.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return user, nil
}

// ChatID resolves where messages for the user go.
func (r *UserRepository) ChatID(ctx context.Context, userID int64) (int64, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.ChatID, nil
}

func (r *UserRepository) SetTimezone(ctx context.Context, userID int64, timezone string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE users SET timezone = $2 WHERE user_id = $1`, userID, timezone)
	if err != nil {
		return errors.Wrap(err, "update timezone")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

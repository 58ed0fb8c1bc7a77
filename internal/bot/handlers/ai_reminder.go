package handlers

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/hray3182/remindline/internal/ai"
	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/service"
)

// executeIntent runs the intent and returns the text to show the user.
func (h *Handlers) executeIntent(ctx context.Context, user *models.User, intent *ai.Intent) string {
	switch intent.Action {
	case ai.ActionCreate:
		return h.handleAICreateReminder(ctx, user, intent)
	case ai.ActionCancel:
		return h.handleAICancelReminder(ctx, user, intent)
	case ai.ActionList:
		return h.listText(ctx, user)
	default:
		return firstNonEmpty(intent.AIMessage, "我不太確定你想做什麼，可以說得更清楚一點嗎？")
	}
}

func (h *Handlers) handleAICreateReminder(ctx context.Context, user *models.User, intent *ai.Intent) string {
	loc := clock.Location(user.Timezone)
	draft, err := intent.Draft(loc)
	if errors.Is(err, models.ErrInvalidRepeat) {
		return h.createErrorText(err)
	}
	if err != nil {
		h.log.Warn().Err(err).Interface("params", intent.Parameters).Msg("unusable create intent")
		return "請告訴我要提醒什麼，以及什麼時候提醒"
	}

	r, err := h.reminders.CreateAndArm(ctx, service.CreateRequest{
		UserID:     user.UserID,
		Title:      draft.Title,
		DueAt:      draft.DueAt,
		Timezone:   loc.String(),
		Repeat:     draft.Repeat,
		Recipients: draft.Recipients,
	})
	if err != nil {
		return h.createErrorText(err)
	}
	return createdText(r)
}

func (h *Handlers) handleAICancelReminder(ctx context.Context, user *models.User, intent *ai.Intent) string {
	if intent.All() {
		return h.cancelAll(ctx, user.UserID)
	}
	if id, ok := intent.ReminderID(); ok {
		return h.cancelByID(ctx, user.UserID, id)
	}
	if keyword := intent.Keyword(); keyword != "" {
		return h.cancelByKeyword(ctx, user.UserID, keyword)
	}
	return "請問要取消哪一個提醒？可以告訴我編號或關鍵字"
}

package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/recurrence"
	"github.com/hray3182/remindline/internal/scheduler"
	"github.com/hray3182/remindline/internal/service"
)

const displayLayout = "2006-01-02 15:04"

func (h *Handlers) handleReminder(ctx context.Context, msg *tgbotapi.Message, user *models.User) {
	args := strings.TrimSpace(msg.CommandArguments())
	parts := strings.SplitN(args, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		h.sendMessage(ctx, msg.Chat.ID, "請提供提醒時間和訊息\n用法: /remind <時間> <訊息>\n例如: /remind 15:30 開會")
		return
	}

	loc := clock.Location(user.Timezone)
	dueAt, err := nextTimeOfDay(parts[0], h.clock.Now(), loc)
	if err != nil {
		h.sendMessage(ctx, msg.Chat.ID, "時間格式錯誤，請使用 HH:MM 格式 (例如 15:30)")
		return
	}

	r, err := h.reminders.CreateAndArm(ctx, service.CreateRequest{
		UserID:   user.UserID,
		Title:    parts[1],
		DueAt:    dueAt,
		Timezone: loc.String(),
		Repeat:   models.Once(),
	})
	if err != nil {
		h.sendMessage(ctx, msg.Chat.ID, h.createErrorText(err))
		return
	}
	h.sendMessage(ctx, msg.Chat.ID, createdText(r))
}

// nextTimeOfDay returns the next instant at HH:MM on the wall clock of loc:
// today if still ahead, otherwise tomorrow.
func nextTimeOfDay(hhmm string, now time.Time, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	due := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if !due.After(now) {
		due = clock.AddDays(due, loc, 1)
	}
	return due.UTC(), nil
}

func (h *Handlers) handleReminderList(ctx context.Context, msg *tgbotapi.Message, user *models.User) {
	h.sendMessage(ctx, msg.Chat.ID, h.listText(ctx, user))
}

func (h *Handlers) listText(ctx context.Context, user *models.User) string {
	reminders, err := h.reminders.List(ctx, user.UserID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", user.UserID).Msg("failed to list reminders")
		return "取得提醒列表失敗，請稍後再試"
	}
	if len(reminders) == 0 {
		return "⏰ 目前沒有提醒"
	}

	loc := clock.Location(user.Timezone)
	var sb strings.Builder
	sb.WriteString("⏰ **提醒列表**\n\n")
	for _, r := range reminders {
		sb.WriteString(fmt.Sprintf("**%d.** %s\n", r.ReminderID, r.Title))
		sb.WriteString(fmt.Sprintf("   📅 %s", r.DueAt.In(loc).Format(displayLayout)))
		if r.Repeat.IsPeriodic() {
			sb.WriteString(fmt.Sprintf(" 🔁 %s", recurrence.Describe(r.Repeat)))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (h *Handlers) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	arg := strings.TrimSpace(msg.CommandArguments())
	switch {
	case arg == "":
		h.sendMessage(ctx, msg.Chat.ID, "用法: /cancel <編號|all|關鍵字>")
	case strings.EqualFold(arg, "all"):
		h.sendMessage(ctx, msg.Chat.ID, h.cancelAll(ctx, msg.From.ID))
	default:
		if id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64); err == nil {
			h.sendMessage(ctx, msg.Chat.ID, h.cancelByID(ctx, msg.From.ID, id))
			return
		}
		h.sendMessage(ctx, msg.Chat.ID, h.cancelByKeyword(ctx, msg.From.ID, arg))
	}
}

func (h *Handlers) cancelByID(ctx context.Context, userID, id int64) string {
	res, err := h.reminders.CancelByID(ctx, userID, id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		return fmt.Sprintf("找不到提醒 #%d", id)
	case err != nil:
		h.log.Error().Err(err).Int64("reminder_id", id).Msg("failed to cancel reminder")
		return "取消提醒失敗，請稍後再試"
	}

	switch res {
	case scheduler.Cancelled:
		return fmt.Sprintf("🗑 已取消提醒 #%d", id)
	case scheduler.AlreadyFired:
		return fmt.Sprintf("提醒 #%d 正在發送，之後的重複提醒已停止", id)
	default:
		return fmt.Sprintf("提醒 #%d 已經發送或取消過了", id)
	}
}

func (h *Handlers) cancelByKeyword(ctx context.Context, userID int64, keyword string) string {
	stopped, err := h.reminders.CancelByKeyword(ctx, userID, keyword)
	if err != nil && !errors.Is(err, service.ErrNotFound) {
		h.log.Error().Err(err).Str("keyword", keyword).Msg("failed to cancel reminders")
		return "取消提醒失敗，請稍後再試"
	}
	if len(stopped) == 0 {
		return fmt.Sprintf("找不到包含「%s」的提醒", keyword)
	}
	return cancelledText(stopped)
}

func (h *Handlers) cancelAll(ctx context.Context, userID int64) string {
	stopped, err := h.reminders.CancelAll(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("failed to cancel all reminders")
		return "取消提醒失敗，請稍後再試"
	}
	if len(stopped) == 0 {
		return "⏰ 目前沒有提醒"
	}
	return cancelledText(stopped)
}

func cancelledText(stopped []*models.Reminder) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🗑 已取消 %d 個提醒\n", len(stopped)))
	for _, r := range stopped {
		sb.WriteString(fmt.Sprintf("• #%d %s\n", r.ReminderID, r.Title))
	}
	return sb.String()
}

func (h *Handlers) handleTimezone(ctx context.Context, msg *tgbotapi.Message) {
	name := strings.TrimSpace(msg.CommandArguments())
	if name == "" {
		h.sendMessage(ctx, msg.Chat.ID, "用法: /tz <時區>\n例如: /tz Asia/Taipei")
		return
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		h.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("無效的時區: %s", name))
		return
	}
	if err := h.users.SetTimezone(ctx, msg.From.ID, loc.String()); err != nil {
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to set timezone")
		h.sendMessage(ctx, msg.Chat.ID, "設定時區失敗，請稍後再試")
		return
	}
	h.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("🌏 時區已設定為 %s\n目前時間: %s", loc.String(), h.clock.Now().In(loc).Format(displayLayout)))
}

func createdText(r *models.Reminder) string {
	loc := clock.Location(r.Timezone)
	text := fmt.Sprintf("✅ 提醒已設定 (ID: %d)\n訊息: %s\n時間: %s", r.ReminderID, r.Title, r.DueAt.In(loc).Format(displayLayout))
	if r.Repeat.IsPeriodic() {
		text += fmt.Sprintf("\n重複: %s", recurrence.Describe(r.Repeat))
	}
	return text
}

func (h *Handlers) createErrorText(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidTitle):
		return "請提供提醒內容"
	case errors.Is(err, service.ErrDueInPast):
		return "提醒時間已經過了，請設定未來的時間"
	case errors.Is(err, service.ErrInvalidRepeat):
		return "重複設定無效，請再確認一次"
	case errors.Is(err, service.ErrUnknownRecipient):
		return "找不到收件人，對方需要先對我發送 /start"
	}
	h.log.Error().Err(err).Msg("failed to create reminder")
	return "建立提醒失敗，請稍後再試"
}

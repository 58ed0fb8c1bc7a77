package handlers

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/remindline/internal/ai"
	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/scheduler"
	"github.com/hray3182/remindline/internal/service"
)

type Reminders interface {
	CreateAndArm(ctx context.Context, req service.CreateRequest) (*models.Reminder, error)
	CancelByID(ctx context.Context, userID, id int64) (scheduler.CancelResult, error)
	CancelByKeyword(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error)
	CancelAll(ctx context.Context, userID int64) ([]*models.Reminder, error)
	List(ctx context.Context, userID int64) ([]*models.Reminder, error)
}

type Users interface {
	GetOrCreate(ctx context.Context, userID int64, userName string, chatID int64, timezone string) (*models.User, error)
	SetTimezone(ctx context.Context, userID int64, timezone string) error
}

type IntentParser interface {
	ParseIntent(ctx context.Context, history []ai.Message, now time.Time, loc *time.Location) (*ai.Intent, error)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Handlers struct {
	reminders Reminders
	users     Users
	ai        IntentParser
	sender    Sender
	clock     clock.Clock
	defaultTZ string
	sessions  *sessions
	log       zerolog.Logger
}

// New wires the chat handlers. parser may be nil, which disables free-text input.
func New(reminders Reminders, users Users, parser IntentParser, sender Sender, clk clock.Clock, defaultTZ string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		reminders: reminders,
		users:     users,
		ai:        parser,
		sender:    sender,
		clock:     clk,
		defaultTZ: defaultTZ,
		sessions:  newSessions(clk),
		log:       logger.With().Str("component", "handlers").Logger(),
	}
}

// register makes sure the sender has a row, which also records the chat
// reminders are delivered to.
func (h *Handlers) register(ctx context.Context, msg *tgbotapi.Message) (*models.User, bool) {
	user, err := h.users.GetOrCreate(ctx, msg.From.ID, msg.From.UserName, msg.Chat.ID, h.defaultTZ)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to get/create user")
		h.sendMessage(ctx, msg.Chat.ID, "系統忙碌中，請稍後再試")
		return nil, false
	}
	return user, true
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	user, ok := h.register(ctx, msg)
	if !ok {
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(ctx, msg)
	case "remind":
		h.handleReminder(ctx, msg, user)
	case "reminders":
		h.handleReminderList(ctx, msg, user)
	case "cancel":
		h.handleCancel(ctx, msg)
	case "tz":
		h.handleTimezone(ctx, msg)
	default:
		h.sendMessage(ctx, msg.Chat.ID, "未知指令，請使用 /help 查看可用指令")
	}
}

func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	user, ok := h.register(ctx, msg)
	if !ok {
		return
	}
	h.handleAIMessage(ctx, msg, user)
}

func (h *Handlers) sendMessage(ctx context.Context, chatID int64, text string) {
	if err := h.sender.Send(ctx, chatID, text); err != nil {
		h.log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	text := fmt.Sprintf(`👋 你好 %s！

我是 RemindLine，你的提醒小幫手。

你可以直接用自然語言告訴我要提醒什麼，例如：
• "提醒我下午 3 點喝水"
• "每週一早上 9 點提醒我開週會"
• "每月 5 號提醒 @alice 繳房租"

使用 /help 查看所有指令`, msg.From.FirstName)
	h.sendMessage(ctx, msg.Chat.ID, text)
}

func (h *Handlers) handleHelp(ctx context.Context, msg *tgbotapi.Message) {
	text := `📖 **指令列表**

/remind <HH:MM> <訊息> - 設定今天 (或明天) 的提醒
/reminders - 查看提醒列表
/cancel <編號|all|關鍵字> - 取消提醒
/tz <時區> - 設定時區，例如 /tz Asia/Taipei

💡 你也可以直接用自然語言告訴我！`
	h.sendMessage(ctx, msg.Chat.ID, text)
}

package handlers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/remindline/internal/ai"
	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/scheduler"
	"github.com/hray3182/remindline/internal/service"
)

// 10:00 in Taipei
var now = time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)

type fakeReminders struct {
	created       []service.CreateRequest
	createErr     error
	cancelledIDs  []int64
	cancelResult  scheduler.CancelResult
	cancelErr     error
	keywords      []string
	cancelAllCall int
	list          []*models.Reminder
}

func (f *fakeReminders) CreateAndArm(ctx context.Context, req service.CreateRequest) (*models.Reminder, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &models.Reminder{
		ReminderID: int64(len(f.created)),
		UserID:     req.UserID,
		Title:      req.Title,
		DueAt:      req.DueAt,
		Timezone:   req.Timezone,
		Repeat:     req.Repeat,
	}, nil
}

func (f *fakeReminders) CancelByID(ctx context.Context, userID, id int64) (scheduler.CancelResult, error) {
	f.cancelledIDs = append(f.cancelledIDs, id)
	return f.cancelResult, f.cancelErr
}

func (f *fakeReminders) CancelByKeyword(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error) {
	f.keywords = append(f.keywords, keyword)
	return []*models.Reminder{{ReminderID: 3, Title: keyword + " class"}}, nil
}

func (f *fakeReminders) CancelAll(ctx context.Context, userID int64) ([]*models.Reminder, error) {
	f.cancelAllCall++
	return f.list, nil
}

func (f *fakeReminders) List(ctx context.Context, userID int64) ([]*models.Reminder, error) {
	return f.list, nil
}

type fakeUsers struct {
	timezone string
	setTo    string
}

func (f *fakeUsers) GetOrCreate(ctx context.Context, userID int64, userName string, chatID int64, timezone string) (*models.User, error) {
	tz := f.timezone
	if tz == "" {
		tz = timezone
	}
	return &models.User{UserID: userID, UserName: userName, ChatID: chatID, Timezone: tz}, nil
}

func (f *fakeUsers) SetTimezone(ctx context.Context, userID int64, timezone string) error {
	f.setTo = timezone
	return nil
}

type fakeParser struct {
	intents []*ai.Intent
	history [][]ai.Message
}

func (f *fakeParser) ParseIntent(ctx context.Context, history []ai.Message, now time.Time, loc *time.Location) (*ai.Intent, error) {
	f.history = append(f.history, history)
	next := f.intents[0]
	f.intents = f.intents[1:]
	return next, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	h         *Handlers
	reminders *fakeReminders
	users     *fakeUsers
	parser    *fakeParser
	sender    *fakeSender
}

func newFixture(withAI bool) *fixture {
	f := &fixture{
		reminders: &fakeReminders{},
		users:     &fakeUsers{timezone: "Asia/Taipei"},
		parser:    &fakeParser{},
		sender:    &fakeSender{},
	}
	var parser IntentParser
	if withAI {
		parser = f.parser
	}
	f.h = New(f.reminders, f.users, parser, f.sender, clockwork.NewFakeClockAt(now), "UTC", zerolog.Nop())
	return f
}

func command(text string) *tgbotapi.Message {
	n := strings.IndexByte(text, ' ')
	if n < 0 {
		n = len(text)
	}
	msg := message(text)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: n}}
	return msg
}

func message(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: 1, UserName: "alice", FirstName: "Alice"},
		Chat: &tgbotapi.Chat{ID: 10},
	}
}

func TestNextTimeOfDay(t *testing.T) {
	taipei := clock.Location("Asia/Taipei")

	later, err := nextTimeOfDay("18:00", now, taipei)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 18:00", later.In(taipei).Format(displayLayout))

	passed, err := nextTimeOfDay("09:30", now, taipei)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-02 09:30", passed.In(taipei).Format(displayLayout))

	exact, err := nextTimeOfDay("10:00", now, taipei)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-02 10:00", exact.In(taipei).Format(displayLayout))

	_, err = nextTimeOfDay("25:99", now, taipei)
	assert.Error(t, err)
}

func TestRemindCommand(t *testing.T) {
	f := newFixture(false)

	f.h.HandleCommand(context.Background(), command("/remind 09:30 喝水 跟 伸展"))

	require.Len(t, f.reminders.created, 1)
	req := f.reminders.created[0]
	assert.Equal(t, "喝水 跟 伸展", req.Title)
	assert.Equal(t, "Asia/Taipei", req.Timezone)
	assert.True(t, time.Date(2024, 5, 2, 1, 30, 0, 0, time.UTC).Equal(req.DueAt))
	assert.Contains(t, f.sender.last(), "✅ 提醒已設定 (ID: 1)")
	assert.Contains(t, f.sender.last(), "2024-05-02 09:30")
}

func TestRemindCommand_Usage(t *testing.T) {
	f := newFixture(false)

	f.h.HandleCommand(context.Background(), command("/remind 09:30"))
	assert.Contains(t, f.sender.last(), "用法")

	f.h.HandleCommand(context.Background(), command("/remind soon 喝水"))
	assert.Contains(t, f.sender.last(), "時間格式錯誤")
	assert.Empty(t, f.reminders.created)
}

func TestRemindCommand_ServiceError(t *testing.T) {
	f := newFixture(false)
	f.reminders.createErr = service.ErrInvalidTitle

	f.h.HandleCommand(context.Background(), command("/remind 09:30 x"))

	assert.Equal(t, "請提供提醒內容", f.sender.last())
}

func TestRemindersCommand(t *testing.T) {
	f := newFixture(false)
	f.reminders.list = []*models.Reminder{
		{ReminderID: 4, Title: "週會", DueAt: time.Date(2024, 5, 6, 1, 0, 0, 0, time.UTC),
			Repeat: models.RepeatSpec{Kind: models.RepeatWeekly, Interval: 1}},
	}

	f.h.HandleCommand(context.Background(), command("/reminders"))

	text := f.sender.last()
	assert.Contains(t, text, "**4.** 週會")
	assert.Contains(t, text, "2024-05-06 09:00")
	assert.Contains(t, text, "每週一")
}

func TestCancelCommand(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	f.h.HandleCommand(ctx, command("/cancel #7"))
	assert.Equal(t, []int64{7}, f.reminders.cancelledIDs)
	assert.Equal(t, "🗑 已取消提醒 #7", f.sender.last())

	f.reminders.cancelResult = scheduler.AlreadyFired
	f.h.HandleCommand(ctx, command("/cancel 8"))
	assert.Contains(t, f.sender.last(), "之後的重複提醒已停止")

	f.reminders.cancelErr = service.ErrNotFound
	f.h.HandleCommand(ctx, command("/cancel 9"))
	assert.Equal(t, "找不到提醒 #9", f.sender.last())

	f.h.HandleCommand(ctx, command("/cancel yoga"))
	assert.Equal(t, []string{"yoga"}, f.reminders.keywords)
	assert.Contains(t, f.sender.last(), "#3 yoga class")

	f.h.HandleCommand(ctx, command("/cancel ALL"))
	assert.Equal(t, 1, f.reminders.cancelAllCall)
}

func TestTimezoneCommand(t *testing.T) {
	f := newFixture(false)

	f.h.HandleCommand(context.Background(), command("/tz Mars/Olympus"))
	assert.Contains(t, f.sender.last(), "無效的時區")
	assert.Empty(t, f.users.setTo)

	f.h.HandleCommand(context.Background(), command("/tz Europe/Berlin"))
	assert.Equal(t, "Europe/Berlin", f.users.setTo)
	assert.Contains(t, f.sender.last(), "2024-05-01 04:00")
}

func TestFreeText_WithoutAI(t *testing.T) {
	f := newFixture(false)

	f.h.HandleMessage(context.Background(), message("提醒我喝水"))

	assert.Contains(t, f.sender.last(), "AI 功能尚未啟用")
}

func TestFreeText_CreateReminder(t *testing.T) {
	f := newFixture(true)
	f.parser.intents = []*ai.Intent{
		{Action: ai.ActionCreate, AIMessage: "沒問題！", Parameters: map[string]string{
			"title": "繳房租", "due_at": "2024-05-05 09:00", "repeat": "monthly", "interval": "5", "recipients": "@bob",
		}},
	}

	f.h.HandleMessage(context.Background(), message("每月 5 號早上 9 點提醒我和 @bob 繳房租"))

	require.Len(t, f.reminders.created, 1)
	req := f.reminders.created[0]
	assert.Equal(t, "繳房租", req.Title)
	assert.Equal(t, models.RepeatSpec{Kind: models.RepeatMonthly, Interval: 5}, req.Repeat)
	assert.Equal(t, []string{"bob"}, req.Recipients)
	assert.True(t, time.Date(2024, 5, 5, 1, 0, 0, 0, time.UTC).Equal(req.DueAt))
	assert.True(t, strings.HasPrefix(f.sender.last(), "沒問題！"))
	assert.Contains(t, f.sender.last(), "每月 5 號")
}

func TestFreeText_CreateReminderInvalidRepeat(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"interval not a number", map[string]string{"title": "喝水", "due_at": "2024-05-01 15:00", "repeat": "hours", "interval": "很多"}},
		{"weekday out of range", map[string]string{"title": "喝水", "due_at": "2024-05-01 15:00", "repeat": "weekly", "interval": "9"}},
		{"end_at unreadable", map[string]string{"title": "喝水", "due_at": "2024-05-01 15:00", "repeat": "daily", "end_at": "下週"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(true)
			f.parser.intents = []*ai.Intent{{Action: ai.ActionCreate, Parameters: tt.params}}

			f.h.HandleMessage(context.Background(), message("每小時提醒我喝水"))

			assert.Empty(t, f.reminders.created)
			assert.Contains(t, f.sender.last(), "重複設定無效")
		})
	}
}

func TestFreeText_FollowUpKeepsHistory(t *testing.T) {
	f := newFixture(true)
	f.parser.intents = []*ai.Intent{
		{Action: ai.ActionCreate, NeedMoreInfo: true, FollowUpPrompt: "請問什麼時候提醒？"},
		{Action: ai.ActionCreate, Parameters: map[string]string{"title": "喝水", "due_at": "2024-05-01 15:00"}},
	}

	f.h.HandleMessage(context.Background(), message("提醒我喝水"))
	assert.Equal(t, "請問什麼時候提醒？", f.sender.last())

	f.h.HandleMessage(context.Background(), message("下午三點"))
	require.Len(t, f.parser.history, 2)
	assert.Equal(t, []ai.Message{
		{Role: "user", Content: "提醒我喝水"},
		{Role: "assistant", Content: "請問什麼時候提醒？"},
		{Role: "user", Content: "下午三點"},
	}, f.parser.history[1])
	require.Len(t, f.reminders.created, 1)
}

func TestFreeText_CancelAllNeedsConfirmation(t *testing.T) {
	f := newFixture(true)
	f.parser.intents = []*ai.Intent{
		{Action: ai.ActionCancel, Parameters: map[string]string{"scope": "all"}},
		{Action: ai.ActionCancel, Parameters: map[string]string{"scope": "all"}},
	}
	ctx := context.Background()

	f.h.HandleMessage(ctx, message("全部取消"))
	assert.Contains(t, f.sender.last(), "確定要取消所有提醒嗎")
	assert.Equal(t, 0, f.reminders.cancelAllCall)

	f.h.HandleMessage(ctx, message("否"))
	assert.Equal(t, "已取消操作", f.sender.last())
	assert.Equal(t, 0, f.reminders.cancelAllCall)

	f.h.HandleMessage(ctx, message("全部取消"))
	f.h.HandleMessage(ctx, message("是"))
	assert.Equal(t, 1, f.reminders.cancelAllCall)
}

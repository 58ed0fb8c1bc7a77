package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/remindline/internal/ai"
	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
)

const (
	sessionTimeout      = 5 * time.Minute
	confirmationTimeout = 2 * time.Minute
	maxHistoryLen       = 10
)

// pendingConfirmation stores an intent waiting for a yes/no reply.
type pendingConfirmation struct {
	Intent    *ai.Intent
	ExpiresAt time.Time
}

// conversation stores multi-turn state for one user.
type conversation struct {
	History   []ai.Message
	ExpiresAt time.Time
}

type sessions struct {
	clock   clock.Clock
	mu      sync.Mutex
	convs   map[int64]*conversation
	pending map[int64]*pendingConfirmation
}

func newSessions(clk clock.Clock) *sessions {
	return &sessions{
		clock:   clk,
		convs:   make(map[int64]*conversation),
		pending: make(map[int64]*pendingConfirmation),
	}
}

// append adds messages to the user's conversation and returns a copy of the history.
func (s *sessions) append(userID int64, msgs ...ai.Message) []ai.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	c, ok := s.convs[userID]
	if !ok || now.After(c.ExpiresAt) {
		c = &conversation{}
		s.convs[userID] = c
	}
	c.History = append(c.History, msgs...)
	if len(c.History) > maxHistoryLen {
		c.History = c.History[len(c.History)-maxHistoryLen:]
	}
	c.ExpiresAt = now.Add(sessionTimeout)
	return append([]ai.Message(nil), c.History...)
}

func (s *sessions) clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, userID)
}

func (s *sessions) setPending(userID int64, intent *ai.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[userID] = &pendingConfirmation{Intent: intent, ExpiresAt: s.clock.Now().Add(confirmationTimeout)}
}

// takePending removes and returns the user's unexpired pending intent.
func (s *sessions) takePending(userID int64) *ai.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	if !ok {
		return nil
	}
	delete(s.pending, userID)
	if s.clock.Now().After(p.ExpiresAt) {
		return nil
	}
	return p.Intent
}

func (s *sessions) hasPending(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	return ok && !s.clock.Now().After(p.ExpiresAt)
}

func (h *Handlers) handleAIMessage(ctx context.Context, msg *tgbotapi.Message, user *models.User) {
	if h.ai == nil {
		h.sendMessage(ctx, msg.Chat.ID, "AI 功能尚未啟用，請使用 /help 查看可用指令")
		return
	}

	if h.handleConfirmationResponse(ctx, msg, user) {
		return
	}

	var turns []ai.Message
	// Replying to one of our messages carries it into the context.
	if reply := msg.ReplyToMessage; reply != nil && reply.Text != "" && reply.From != nil && reply.From.IsBot {
		turns = append(turns, ai.Message{Role: "assistant", Content: reply.Text})
	}
	turns = append(turns, ai.Message{Role: "user", Content: msg.Text})
	history := h.sessions.append(user.UserID, turns...)

	loc := clock.Location(user.Timezone)
	intent, err := h.ai.ParseIntent(ctx, history, h.clock.Now(), loc)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", user.UserID).Msg("failed to parse intent")
		h.sendMessage(ctx, msg.Chat.ID, "抱歉，我無法理解你的訊息。請試著用更清楚的方式描述，或使用 /help 查看可用指令。")
		return
	}
	h.log.Debug().
		Int64("user_id", user.UserID).
		Str("action", intent.Action).
		Bool("need_more_info", intent.NeedMoreInfo).
		Interface("params", intent.Parameters).
		Msg("parsed intent")

	if intent.NeedMoreInfo {
		response := firstNonEmpty(intent.FollowUpPrompt, intent.AIMessage, "請提供更多資訊")
		h.sessions.append(user.UserID, ai.Message{Role: "assistant", Content: response})
		h.sendMessage(ctx, msg.Chat.ID, response)
		return
	}

	// Cancelling everything is the one destructive action; ask first.
	if intent.Action == ai.ActionCancel && intent.All() {
		h.sessions.setPending(user.UserID, intent)
		h.sessions.clear(user.UserID)
		h.sendMessage(ctx, msg.Chat.ID, "確定要取消所有提醒嗎？(是/否)")
		return
	}

	result := h.executeIntent(ctx, user, intent)
	if intent.Action == ai.ActionList {
		h.sessions.append(user.UserID, ai.Message{Role: "assistant", Content: result})
	} else {
		h.sessions.clear(user.UserID)
	}

	if intent.AIMessage != "" && intent.Action != ai.ActionUnknown {
		result = intent.AIMessage + "\n\n" + result
	}
	h.sendMessage(ctx, msg.Chat.ID, result)
}

func (h *Handlers) handleConfirmationResponse(ctx context.Context, msg *tgbotapi.Message, user *models.User) bool {
	if !h.sessions.hasPending(user.UserID) {
		return false
	}

	text := strings.ToLower(strings.TrimSpace(msg.Text))
	isConfirm := text == "是" || text == "確認" || text == "對" || text == "好" || text == "yes" || text == "y"
	isCancel := text == "否" || text == "取消" || text == "不" || text == "no" || text == "n"
	if !isConfirm && !isCancel {
		return false
	}

	intent := h.sessions.takePending(user.UserID)
	if intent == nil {
		return false
	}
	if isCancel {
		h.sendMessage(ctx, msg.Chat.ID, "已取消操作")
		return true
	}
	h.sendMessage(ctx, msg.Chat.ID, h.executeIntent(ctx, user, intent))
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package messenger delivers text to Telegram chats.
package messenger

import (
	"context"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hray3182/remindline/internal/format"
)

// Telegram sends messages through the Bot API, converting the **bold** and
// `code` markup used in reminder texts into message entities.
type Telegram struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New limits outbound messages to perSecond, bursting up to one second's worth.
func New(api *tgbotapi.BotAPI, perSecond float64, logger zerolog.Logger) *Telegram {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:     logger.With().Str("component", "messenger").Logger(),
	}
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for send slot")
	}

	parsed := format.ParseMarkdown(text)
	msg := tgbotapi.NewMessage(chatID, parsed.Text)
	msg.Entities = parsed.Entities

	if _, err := t.api.Send(msg); err != nil {
		return errors.Wrapf(err, "send to chat %d", chatID)
	}
	t.log.Debug().Int64("chat_id", chatID).Msg("message sent")
	return nil
}

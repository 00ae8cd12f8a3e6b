package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const maxTelegramMessage = 4096

// botAPI is the part of *tgbotapi.BotAPI the sender uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers push notifications to Telegram chats. The
// recipient is the numeric chat id.
type TelegramSender struct {
	bot botAPI
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

// Send splits long bodies into Telegram-sized parts. Each part is sent as
// Markdown first and retried as plain text when Telegram rejects the markup.
func (s *TelegramSender) Send(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
	const op = "delivery.telegram"
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return types.DeliveryResult{}, errs.Validation(op, "invalid chat id %q", recipient)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n\n" + text
	}

	var last tgbotapi.Message
	for _, part := range splitMessage(text) {
		if err := ctx.Err(); err != nil {
			return types.DeliveryResult{}, errs.Wrap(errs.KindTimeout, op, err)
		}
		m := tgbotapi.NewMessage(chatID, part)
		m.ParseMode = tgbotapi.ModeMarkdown
		sent, err := s.bot.Send(m)
		if err != nil {
			slog.Debug("telegram markdown send failed, retrying as plain text", "chat_id", chatID, "error", err)
			m.ParseMode = ""
			if sent, err = s.bot.Send(m); err != nil {
				return types.DeliveryResult{}, classifyTelegram(op, err)
			}
		}
		last = sent
	}
	return types.DeliveryResult{MessageID: strconv.Itoa(last.MessageID)}, nil
}

func classifyTelegram(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return errs.RateLimited(op, time.Duration(apiErr.RetryAfter)*time.Second, apiErr.Message)
		case apiErr.Code >= 500:
			return &errs.Error{Kind: errs.KindTransientDelivery, Op: op, StatusCode: apiErr.Code, Err: err}
		case apiErr.Code >= 400:
			return &errs.Error{Kind: errs.KindValidation, Op: op, StatusCode: apiErr.Code, Err: err}
		}
	}
	return errs.Wrap(errs.KindTransientDelivery, op, err)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the operator alert channel.
type TelegramConfig struct {
	Token  string
	ChatID int64

	// Offline skips the getMe probe at construction; used in tests.
	Offline bool
}

type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender builds a send-only Telegram client. Construction
// verifies the token against the API unless cfg.Offline is set.
func NewTelegramSender(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

const telegramTextLimit = 4000

func (t *telegramSender) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{DisableWebPagePreview: true}
		if _, err := t.bot.Send(t.chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits long messages into chunks Telegram will accept,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package telegram sends run notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"termsync/internal/notifier"
	logx "termsync/pkg/logx"
)

// maxText is Telegram's message length limit in characters.
const maxText = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides https://api.telegram.org (tests, local bot API servers).
	APIURL string
	Client *http.Client
}

// Sender posts to one chat (optionally one forum topic). The bot never polls
// for updates.
type Sender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  cfg.Client,
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Sender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID, log: log}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Send ignores ctx cancellation once the request is in flight: telebot has
// no context support, the HTTP client timeout bounds it instead.
func (s *Sender) Send(ctx context.Context, n notifier.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, format(n), &tele.SendOptions{
		ThreadID:              s.thread,
		DisableWebPagePreview: true,
	})
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != http.StatusTooManyRequests {
		return notifier.Permanent(err)
	}
	return err
}

func format(n notifier.Notification) string {
	var b strings.Builder
	switch {
	case n.Priority >= notifier.PriorityHigh:
		b.WriteString("🚨 ")
	case n.Priority < notifier.PriorityNormal:
		b.WriteString("ℹ️ ")
	}
	if n.Title != "" {
		b.WriteString(n.Title)
		b.WriteString("\n")
	}
	b.WriteString(n.Text)
	if n.URL != "" {
		b.WriteString("\n")
		b.WriteString(n.URL)
	}
	return truncate(b.String(), maxText)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

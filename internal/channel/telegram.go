package channel

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL string
	// Timeout bounds one HTTP request to the Bot API.
	Timeout time.Duration
}

// Telegram sends through the Bot API. Recipients are numeric chat ids or
// @channel usernames.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline: the sender never polls and must not call getMe at startup.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

type chatUsername string

func (u chatUsername) Recipient() string { return string(u) }

func recipient(to string) (tele.Recipient, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, errors.New("empty telegram recipient")
	}
	if strings.HasPrefix(to, "@") {
		return chatUsername(to), nil
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil, errors.New("telegram recipient must be a chat id or @username: " + to)
	}
	return tele.ChatID(id), nil
}

// Send delivers text, split into several messages when it exceeds Telegram's
// length limit. telebot has no context support, so ctx only bounds the wait.
func (t *Telegram) Send(ctx context.Context, to, text string) error {
	rcpt, err := recipient(to)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		for _, chunk := range splitText(text, telegramTextLimit) {
			if _, err := t.bot.Send(rcpt, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitText breaks s into chunks of at most limit runes, preferring to cut
// after a newline when one is reasonably close to the end of the window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}

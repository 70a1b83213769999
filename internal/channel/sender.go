// Package channel implements notification delivery, one Sender per messaging
// platform.
package channel

import (
	"context"
	"sort"

	"nitewatch/internal/exam"
	logx "nitewatch/pkg/logx"
)

// Sender delivers one text message to one recipient on its platform.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Set maps each configured channel to its sender.
type Set map[exam.Channel]Sender

func (s Set) Lookup(ch exam.Channel) (Sender, bool) {
	snd, ok := s[ch]
	return snd, ok && snd != nil
}

func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for ch := range s {
		out = append(out, string(ch))
	}
	sort.Strings(out)
	return out
}

// Logged writes messages to the log instead of delivering them. Used for dry
// runs.
type Logged struct {
	Channel exam.Channel
	Log     logx.Logger
}

func (l Logged) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.Log.Info("dry-run message",
		logx.String("channel", string(l.Channel)),
		logx.String("to", to),
		logx.String("text", text),
	)
	return nil
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, text string) error

func (f SenderFunc) Send(ctx context.Context, to, text string) error { return f(ctx, to, text) }

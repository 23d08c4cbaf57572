// Package logsink provides a transport.Sender that writes messages to the log.
// It stands in for a chat transport when no bot token is configured.
package logsink

import (
	"context"
	"sync/atomic"

	"trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type Sender struct {
	log logx.Logger
	seq atomic.Int64
}

var _ transport.Sender = (*Sender)(nil)

func New(log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log}
}

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	id := int(s.seq.Add(1))
	s.log.Info("notification",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.Int("message_id", id),
		logx.String("text", text),
	)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

// Sent returns how many messages were written.
func (s *Sender) Sent() int64 { return s.seq.Load() }

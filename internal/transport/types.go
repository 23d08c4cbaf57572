package transport

import "context"

// ChatTarget addresses one chat, optionally a forum thread inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Notification is one outgoing chat message queued by the notifier.
type Notification struct {
	Channel  string // "telegram" or "log"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
	// DedupKey, when set, suppresses identical deliveries within the dedup window.
	DedupKey string
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}

package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DefaultConfig is used when the notifier section is omitted.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
}

type HistoryItem struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Outcomes reported to Metrics.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDeduped = "deduped"
	OutcomeDropped = "dropped"
)

// Metrics receives delivery outcomes.
type Metrics interface {
	Notification(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) Notification(string) {}

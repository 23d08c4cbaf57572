package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines journal + snapshot next to Path
//   - "sqlite": SQLite database at Path
//   - "mysql": MySQL at DSN
//   - "postgres": PostgreSQL at DSN
//   - "redis": Redis at Redis.Addr
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int           // mysql, postgres
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Subscription is the persisted form of one tracked (entity, mode).
type Subscription struct {
	EntityID int64         `json:"entity_id"`
	Mode     uint8         `json:"mode"`
	Marker   time.Time     `json:"marker"`
	Channels map[int64]int `json:"channels"`
}

// Store is the persistence API.
type Store interface {
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
	// UpsertSubscription replaces the stored row for (EntityID, Mode).
	UpsertSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Compactor is implemented by stores that benefit from periodic compaction.
type Compactor interface {
	Compact(ctx context.Context) error
}

func encodeChannels(m map[int64]int) (string, error) {
	if m == nil {
		m = map[int64]int{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeChannels(s string) (map[int64]int, error) {
	out := map[int64]int{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

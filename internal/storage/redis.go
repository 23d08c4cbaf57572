package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "trackbot/pkg/logx"
)

// redisStore keeps one hash per subscription plus an index set of members
// "<entity>:<mode>". Dedup entries are plain keys expiring at their deadline.
//
// Keys:
//   - <prefix>sub:<entity>:<mode>  hash {marker_ns, channels}
//   - <prefix>subs                 set of "<entity>:<mode>"
//   - <prefix>dedup:<key>          string unix millis, PX ttl
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "trackbot:"
	}
	log.Info("redis store ready", logx.String("addr", addr), logx.Int("db", cfg.Redis.DB))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) indexKey() string { return s.prefix + "subs" }

func (s *redisStore) subKey(member string) string { return s.prefix + "sub:" + member }

func (s *redisStore) dedupKey(key string) string { return s.prefix + "dedup:" + key }

func member(entity int64, mode uint8) string {
	return strconv.FormatInt(entity, 10) + ":" + strconv.Itoa(int(mode))
}

func parseMember(m string) (int64, uint8, error) {
	idStr, modeStr, ok := strings.Cut(m, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad index member %q", m)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad index member %q: %w", m, err)
	}
	mode, err := strconv.ParseUint(modeStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bad index member %q: %w", m, err)
	}
	return id, uint8(mode), nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGetAll(ctx, s.subKey(m))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Subscription, 0, len(members))
	for i, m := range members {
		entity, mode, err := parseMember(m)
		if err != nil {
			s.log.Warn("skipping index member", logx.Err(err))
			continue
		}
		h := cmds[i].Val()
		if len(h) == 0 {
			// Index entry without hash: a delete raced a crash.
			continue
		}
		ns, err := strconv.ParseInt(h["marker_ns"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("subscription %s marker: %w", m, err)
		}
		ch, err := decodeChannels(h["channels"])
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", m, err)
		}
		out = append(out, Subscription{EntityID: entity, Mode: mode, Marker: time.Unix(0, ns).UTC(), Channels: ch})
	}
	return out, nil
}

func (s *redisStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	channels, err := encodeChannels(sub.Channels)
	if err != nil {
		return err
	}
	m := member(sub.EntityID, sub.Mode)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.subKey(m), "marker_ns", sub.Marker.UnixNano(), "channels", channels)
		p.SAdd(ctx, s.indexKey(), m)
		return nil
	})
	return err
}

func (s *redisStore) DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error {
	m := member(entityID, mode)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.subKey(m))
		p.SRem(ctx, s.indexKey(), m)
		return nil
	})
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "trackbot/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_id, mode, marker_ns, channels FROM subscriptions ORDER BY entity_id, mode`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			entity   int64
			mode     int16
			markerNS int64
			channels []byte
		)
		if err := rows.Scan(&entity, &mode, &markerNS, &channels); err != nil {
			return nil, err
		}
		ch, err := decodeChannels(string(channels))
		if err != nil {
			return nil, fmt.Errorf("subscription %d/%d: %w", entity, mode, err)
		}
		out = append(out, Subscription{
			EntityID: entity,
			Mode:     uint8(mode),
			Marker:   time.Unix(0, markerNS).UTC(),
			Channels: ch,
		})
	}
	return out, rows.Err()
}

func (s *pgStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	channels, err := encodeChannels(sub.Channels)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO subscriptions(entity_id, mode, marker_ns, channels) VALUES($1,$2,$3,$4)
		 ON CONFLICT(entity_id, mode) DO UPDATE SET marker_ns=EXCLUDED.marker_ns, channels=EXCLUDED.channels`,
		sub.EntityID, int16(sub.Mode), sub.Marker.UnixNano(), json.RawMessage(channels),
	)
	return err
}

func (s *pgStore) DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE entity_id = $1 AND mode = $2`, entityID, int16(mode))
	return err
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(dkey, until_ms) VALUES($1,$2)
		 ON CONFLICT(dkey) DO UPDATE SET until_ms=EXCLUDED.until_ms`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until_ms FROM dedup WHERE dkey = $1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Compact drops expired dedup rows.
func (s *pgStore) Compact(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup WHERE until_ms < $1`, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.log.Debug("dedup pruned", logx.Int64("rows", tag.RowsAffected()))
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "trackbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect holds the statements that differ between database/sql backends.
type dialect struct {
	name        string
	migration   string
	upsertSub   string
	upsertDedup string
}

var (
	sqliteDialect = dialect{
		name:      "sqlite",
		migration: "migrations/sqlite.sql",
		upsertSub: `INSERT INTO subscriptions(entity_id, mode, marker_ns, channels) VALUES(?,?,?,?)
			ON CONFLICT(entity_id, mode) DO UPDATE SET marker_ns=excluded.marker_ns, channels=excluded.channels`,
		upsertDedup: `INSERT INTO dedup(dkey, until_ms) VALUES(?,?)
			ON CONFLICT(dkey) DO UPDATE SET until_ms=excluded.until_ms`,
	}
	mysqlDialect = dialect{
		name:      "mysql",
		migration: "migrations/mysql.sql",
		upsertSub: `INSERT INTO subscriptions(entity_id, mode, marker_ns, channels) VALUES(?,?,?,?)
			ON DUPLICATE KEY UPDATE marker_ns=VALUES(marker_ns), channels=VALUES(channels)`,
		upsertDedup: `INSERT INTO dedup(dkey, until_ms) VALUES(?,?)
			ON DUPLICATE KEY UPDATE until_ms=VALUES(until_ms)`,
	}
)

// sqlStore implements Store over database/sql for sqlite and mysql.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
	if err := st.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return st, nil
}

// migrate runs the dialect's schema one statement at a time; the mysql driver
// rejects multi-statement Exec unless multiStatements is set in the DSN.
func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, mode, marker_ns, channels FROM subscriptions ORDER BY entity_id, mode`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub      Subscription
			markerNS int64
			channels string
		)
		if err := rows.Scan(&sub.EntityID, &sub.Mode, &markerNS, &channels); err != nil {
			return nil, err
		}
		sub.Marker = time.Unix(0, markerNS).UTC()
		if sub.Channels, err = decodeChannels(channels); err != nil {
			return nil, fmt.Errorf("subscription %d/%d: %w", sub.EntityID, sub.Mode, err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	channels, err := encodeChannels(sub.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.upsertSub, sub.EntityID, sub.Mode, sub.Marker.UnixNano(), channels)
	return err
}

func (s *sqlStore) DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE entity_id = ? AND mode = ?`, entityID, mode)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertDedup, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE dkey = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Compact drops expired dedup rows.
func (s *sqlStore) Compact(ctx context.Context) error {
	return s.pruneExpired(ctx)
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli())
	return err
}

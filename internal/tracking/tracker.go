package tracking

import (
	"context"
	"sync"
	"time"

	"trackbot/internal/storage"
	logx "trackbot/pkg/logx"
)

// Store is the persistence contract the tracker needs. storage.Store
// satisfies it; a nil Store keeps subscriptions in memory only.
type Store interface {
	LoadSubscriptions(ctx context.Context) ([]storage.Subscription, error)
	UpsertSubscription(ctx context.Context, sub storage.Subscription) error
	DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error
}

// Metrics receives tracker instrumentation. Implementations must be cheap and
// non-blocking.
type Metrics interface {
	ObserveBatch(scheduled int, b Batch)
	RaceSkipped()
	PersistFailed(op string)
	SetSizes(tracked, scheduled int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveBatch(int, Batch)  {}
func (nopMetrics) RaceSkipped()             {}
func (nopMetrics) PersistFailed(string)     {}
func (nopMetrics) SetSizes(tracked, sc int) {}

// Config holds the cadence knobs.
type Config struct {
	Interval time.Duration
	Cooldown time.Duration
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithMetrics(m Metrics) Option {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Tracked   int           `json:"tracked"`
	Scheduled int           `json:"scheduled"`
	Interval  time.Duration `json:"interval"`
	Cooldown  time.Duration `json:"cooldown"`
	LastPop   time.Time     `json:"last_pop"`
}

const keyStripes = 64

// Tracker is the poll orchestrator. It composes the subscription table, the
// schedule and the batch controller, and keeps the store in sync with them.
//
// Add/Remove*/UpdateMarker/Reset/List are safe for concurrent use. Pop is
// meant for one scheduler loop; concurrent Pop calls are serialized.
type Tracker struct {
	table   *Table
	ctrl    *Controller
	store   Store
	log     logx.Logger
	metrics Metrics

	// qmu guards sched.
	qmu   sync.Mutex
	sched *Schedule

	popMu sync.Mutex

	// Striped per-key locks serialize persist-then-commit sequences.
	locks [keyStripes]sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a tracker and schedules every subscription found in store.
func New(ctx context.Context, cfg Config, store Store, log logx.Logger, opts ...Option) (*Tracker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		table:   NewTable(),
		sched:   NewSchedule(),
		store:   store,
		log:     log,
		metrics: nopMetrics{},
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(t)
	}
	t.ctrl = NewController(t.now(), cfg.Interval, cfg.Cooldown)

	if store != nil {
		subs, err := store.LoadSubscriptions(ctx)
		if err != nil {
			return nil, err
		}
		now := t.now()
		for _, s := range subs {
			key, rec := fromStored(s)
			if t.table.insert(key, rec) {
				t.sched.PushOrDecrease(key, now)
			}
		}
		t.log.Info("subscriptions loaded", logx.Int("count", t.table.Len()))
	}
	t.updateSizes()
	return t, nil
}

// SetCadence applies a new interval and cooldown; the next Pop uses them.
func (t *Tracker) SetCadence(interval, cooldown time.Duration) {
	t.ctrl.SetCadence(interval, cooldown)
	iv, cd := t.ctrl.Cadence()
	t.log.Debug("cadence updated", logx.Duration("interval", iv), logx.Duration("cooldown", cd))
}

// Add subscribes ch to (entity, mode) with limit.
//
// It returns false without touching the store when ch already has this exact
// limit. The store is written before memory changes; on failure the returned
// error matches ErrPersistence and nothing was applied.
func (t *Tracker) Add(ctx context.Context, entity int64, mode Mode, marker time.Time, ch ChannelID, limit int) (bool, error) {
	if limit < 0 {
		limit = 0
	}
	key := KeyOf(entity, mode)
	mu := t.lockKey(key)
	defer mu.Unlock()

	var next Record
	if cur, ok := t.table.Get(key); ok {
		if lim, has := cur.Channels[ch]; has && lim == limit {
			return false, nil
		}
		next = cur.clone()
		next.Channels[ch] = limit
	} else {
		next = Record{Marker: marker, Channels: map[ChannelID]int{ch: limit}}
	}

	if err := t.persistUpsert(ctx, "add", key, next); err != nil {
		return false, err
	}
	created, _ := t.table.UpsertChannel(key, marker, ch, limit)
	if created {
		t.qmu.Lock()
		t.sched.PushOrDecrease(key, t.now())
		t.qmu.Unlock()
		t.log.Debug("tracking started", logx.String("key", key.String()), logx.Int64("channel", int64(ch)))
	}
	t.updateSizes()
	return true, nil
}

// Reset re-enqueues key at now. Untracked keys are ignored.
func (t *Tracker) Reset(entity int64, mode Mode) {
	key := KeyOf(entity, mode)
	t.qmu.Lock()
	// Checked under qmu: removals delete the record before taking qmu, so a
	// reset can never re-schedule a key that is being removed.
	if t.table.Has(key) {
		t.sched.PushOrDecrease(key, t.now())
	}
	t.qmu.Unlock()
}

// UpdateMarker persists and applies a new marker for a tracked key.
func (t *Tracker) UpdateMarker(ctx context.Context, entity int64, mode Mode, marker time.Time) error {
	key := KeyOf(entity, mode)
	mu := t.lockKey(key)
	defer mu.Unlock()

	cur, ok := t.table.Get(key)
	if !ok || cur.Marker.Equal(marker) {
		return nil
	}
	next := cur.clone()
	next.Marker = marker
	if err := t.persistUpsert(ctx, "update_marker", key, next); err != nil {
		return err
	}
	t.table.SetMarker(key, marker)
	return nil
}

// RemoveEntityFromChannel unsubscribes ch from entity in every mode and
// returns how many modes were affected. It stops at the first store failure;
// modes handled before it stay removed.
func (t *Tracker) RemoveEntityFromChannel(ctx context.Context, entity int64, ch ChannelID) (int, error) {
	count := 0
	for _, mode := range t.table.ModesWithChannel(entity, ch) {
		ok, err := t.detachLocked(ctx, "remove_entity", KeyOf(entity, mode), ch)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	t.updateSizes()
	return count, nil
}

// RemoveChannel unsubscribes ch from everything it tracks, optionally only in
// one mode, and returns the number of records changed.
func (t *Tracker) RemoveChannel(ctx context.Context, ch ChannelID, mode *Mode) (int, error) {
	count := 0
	for _, key := range t.table.KeysWithChannel(ch, mode) {
		ok, err := t.detachLocked(ctx, "remove_channel", key, ch)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	t.updateSizes()
	return count, nil
}

func (t *Tracker) detachLocked(ctx context.Context, op string, key Key, ch ChannelID) (bool, error) {
	mu := t.lockKey(key)
	defer mu.Unlock()

	cur, ok := t.table.Get(key)
	if !ok {
		return false, nil
	}
	if _, has := cur.Channels[ch]; !has {
		return false, nil
	}

	if len(cur.Channels) == 1 {
		if err := t.persistDelete(ctx, op, key); err != nil {
			return false, err
		}
		if _, empty := t.table.RemoveChannel(key, ch); empty {
			t.table.DeleteIfEmpty(key)
			t.qmu.Lock()
			t.sched.Remove(key)
			t.qmu.Unlock()
			t.log.Debug("tracking stopped", logx.String("key", key.String()))
		}
		return true, nil
	}

	next := cur.clone()
	delete(next.Channels, ch)
	if err := t.persistUpsert(ctx, op, key, next); err != nil {
		return false, err
	}
	t.table.RemoveChannel(key, ch)
	return true, nil
}

// List returns ch's subscriptions in key order.
func (t *Tracker) List(ch ChannelID) []Subscription {
	return t.table.ListByChannel(ch)
}

// Get returns a copy of the record for (entity, mode).
func (t *Tracker) Get(entity int64, mode Mode) (Record, bool) {
	rec, ok := t.table.Get(KeyOf(entity, mode))
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Len returns the number of scheduled keys.
func (t *Tracker) Len() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return t.sched.Len()
}

// Stats returns a snapshot of sizes and cadence.
func (t *Tracker) Stats() Stats {
	iv, cd := t.ctrl.Cadence()
	return Stats{
		Tracked:   t.table.Len(),
		Scheduled: t.Len(),
		Interval:  iv,
		Cooldown:  cd,
		LastPop:   t.ctrl.LastPop(),
	}
}

// Pop waits for the next slot and dequeues the keys that are due, returning
// each key with its last seen marker.
//
// It returns (nil, nil) right away when nothing is scheduled. Cancelling ctx
// during the wait returns ctx.Err() without dequeuing anything. Popped keys
// stay out of the schedule until Reset is called for them.
func (t *Tracker) Pop(ctx context.Context) (map[Key]time.Time, error) {
	t.popMu.Lock()
	defer t.popMu.Unlock()

	n := t.Len()
	if n == 0 {
		return nil, nil
	}
	b := t.ctrl.Plan(n, t.now())
	t.metrics.ObserveBatch(n, b)
	t.log.Debug("pop planned",
		logx.Int("scheduled", n),
		logx.Int("amount", b.Amount),
		logx.Duration("delay", b.Delay),
		logx.Float64("ms_per_track", b.MsPerTrack),
	)

	if b.Delay > 0 {
		if err := t.sleep(ctx, b.Delay); err != nil {
			return nil, err
		}
	}
	// A catch-up batch has no wait, so check cancellation here too.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.qmu.Lock()
	keys := t.sched.PopBatch(b.Amount)
	t.qmu.Unlock()

	out := make(map[Key]time.Time, len(keys))
	for _, key := range keys {
		rec, ok := t.table.Get(key)
		if !ok {
			// Removed between dequeue and lookup.
			t.metrics.RaceSkipped()
			t.log.Debug("popped key no longer tracked", logx.String("key", key.String()))
			continue
		}
		out[key] = rec.Marker
	}
	t.ctrl.MarkPop(t.now())
	t.updateSizes()
	return out, nil
}

func (t *Tracker) lockKey(key Key) *sync.Mutex {
	h := uint64(key.EntityID)*31 + uint64(key.Mode)
	mu := &t.locks[h%keyStripes]
	mu.Lock()
	return mu
}

func (t *Tracker) persistUpsert(ctx context.Context, op string, key Key, rec Record) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.UpsertSubscription(ctx, toStored(key, rec)); err != nil {
		t.metrics.PersistFailed(op)
		t.log.Warn("subscription upsert failed", logx.String("op", op), logx.String("key", key.String()), logx.Err(err))
		return &PersistenceError{Op: op, Key: key, Err: err}
	}
	return nil
}

func (t *Tracker) persistDelete(ctx context.Context, op string, key Key) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.DeleteSubscription(ctx, key.EntityID, uint8(key.Mode)); err != nil {
		t.metrics.PersistFailed(op)
		t.log.Warn("subscription delete failed", logx.String("op", op), logx.String("key", key.String()), logx.Err(err))
		return &PersistenceError{Op: op, Key: key, Err: err}
	}
	return nil
}

func (t *Tracker) updateSizes() {
	t.metrics.SetSizes(t.table.Len(), t.Len())
}

func toStored(key Key, rec Record) storage.Subscription {
	ch := make(map[int64]int, len(rec.Channels))
	for id, lim := range rec.Channels {
		ch[int64(id)] = lim
	}
	return storage.Subscription{
		EntityID: key.EntityID,
		Mode:     uint8(key.Mode),
		Marker:   rec.Marker,
		Channels: ch,
	}
}

func fromStored(s storage.Subscription) (Key, Record) {
	ch := make(map[ChannelID]int, len(s.Channels))
	for id, lim := range s.Channels {
		ch[ChannelID(id)] = lim
	}
	return KeyOf(s.EntityID, Mode(s.Mode)), Record{Marker: s.Marker, Channels: ch}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

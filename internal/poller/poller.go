// Package poller runs the single consumer loop of the tracking schedule: it
// pops due keys, fetches their recent items upstream, notifies every channel
// whose limit admits an item, advances the marker and reschedules the key.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"trackbot/internal/eventbus"
	"trackbot/internal/tracking"
	"trackbot/internal/transport"
	"trackbot/internal/upstream"
	logx "trackbot/pkg/logx"
	"trackbot/pkg/tgui"
)

// Tracker is the part of tracking.Tracker the loop drives.
type Tracker interface {
	Pop(ctx context.Context) (map[tracking.Key]time.Time, error)
	Get(entity int64, mode tracking.Mode) (tracking.Record, bool)
	UpdateMarker(ctx context.Context, entity int64, mode tracking.Mode, marker time.Time) error
	Reset(entity int64, mode tracking.Mode)
}

// Notifier queues outgoing chat messages.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) (string, error)
}

// Poll outcomes reported to Metrics.
const (
	OutcomeUnchanged   = "unchanged"
	OutcomeNewItems    = "new_items"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

type Metrics interface {
	PollResult(outcome string, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) PollResult(string, time.Duration) {}

type Config struct {
	IdleWait         time.Duration
	PollTimeout      time.Duration
	FetchLimit       int
	FailureThreshold int
}

const (
	DefaultIdleWait         = 10 * time.Second
	DefaultPollTimeout      = 30 * time.Second
	DefaultFetchLimit       = 100
	DefaultFailureThreshold = 5
)

func (c Config) withDefaults() Config {
	if c.IdleWait <= 0 {
		c.IdleWait = DefaultIdleWait
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// PollEvent is the Data of poll.* bus events.
type PollEvent struct {
	Key      string        `json:"key"`
	Items    int           `json:"items"`
	Notified int           `json:"notified"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type Option func(*Poller)

func WithMetrics(m Metrics) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

type Poller struct {
	tracker  Tracker
	fetcher  upstream.Fetcher
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	metrics  Metrics

	mu  sync.RWMutex
	cfg Config

	// failures counts consecutive fetch errors per key. Only the loop
	// goroutine touches it.
	failures map[tracking.Key]int

	now func() time.Time
}

func New(cfg Config, tr Tracker, f upstream.Fetcher, n Notifier, bus eventbus.Bus, log logx.Logger, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		tracker:  tr,
		fetcher:  f,
		notifier: n,
		bus:      bus,
		log:      log,
		metrics:  nopMetrics{},
		cfg:      cfg.withDefaults(),
		failures: map[tracking.Key]int{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply swaps the loop settings; the next iteration uses them.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Poller) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Run loops until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started")
	defer p.log.Info("poller stopped")
	for {
		n, err := p.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Warn("pop failed", logx.Err(err))
		}
		if (err != nil || n < 0) && !sleep(ctx, p.config().IdleWait) {
			return nil
		}
	}
}

// Step runs one Pop and polls every key it returned. It returns the number
// of keys polled, or -1 when nothing was scheduled.
func (p *Poller) Step(ctx context.Context) (int, error) {
	due, err := p.tracker.Pop(ctx)
	if err != nil {
		return 0, err
	}
	if due == nil {
		return -1, nil
	}

	keys := make([]tracking.Key, 0, len(due))
	for k := range due {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, k := range keys {
		p.pollKey(ctx, k, due[k])
	}
	return len(keys), nil
}

// pollKey handles one key. The key is always rescheduled, whatever happens.
func (p *Poller) pollKey(ctx context.Context, key tracking.Key, marker time.Time) {
	defer p.tracker.Reset(key.EntityID, key.Mode)

	cfg := p.config()
	start := p.now()
	kctx, cancel := context.WithTimeout(ctx, cfg.PollTimeout)
	defer cancel()

	items, err := p.fetcher.Recent(kctx, key, cfg.FetchLimit)
	if err != nil {
		p.fetchFailed(key, cfg, err, p.now().Sub(start))
		return
	}
	delete(p.failures, key)

	fresh := newerThan(items, marker)
	if len(fresh) == 0 {
		p.report(eventbus.PollChecked, OutcomeUnchanged, key, 0, 0, p.now().Sub(start), nil)
		return
	}

	rec, ok := p.tracker.Get(key.EntityID, key.Mode)
	if !ok {
		// Removed while we were fetching.
		return
	}

	notified := 0
	channels := sortedChannels(rec)
	for _, it := range fresh {
		for _, ch := range channels {
			limit := rec.Channels[ch]
			if it.Position < 1 || it.Position > limit {
				continue
			}
			_, err := p.notifier.Notify(kctx, transport.Notification{
				Channel:  "telegram",
				Priority: 5,
				Target:   transport.ChatTarget{ChatID: int64(ch)},
				Text:     FormatItem(key, it),
				Options:  &transport.SendOptions{ParseMode: "HTML"},
				DedupKey: strconv.FormatInt(int64(ch), 10) + "|" + key.String() + "|" + it.ID,
			})
			if err != nil {
				p.log.Warn("notify failed", logx.String("key", key.String()), logx.Int64("chat_id", int64(ch)), logx.Err(err))
				continue
			}
			notified++
		}
	}

	newest := fresh[len(fresh)-1].At
	if err := p.tracker.UpdateMarker(kctx, key.EntityID, key.Mode, newest); err != nil {
		p.log.Warn("marker update failed", logx.String("key", key.String()), logx.Err(err))
	}
	p.report(eventbus.PollNewItems, OutcomeNewItems, key, len(fresh), notified, p.now().Sub(start), nil)
}

func (p *Poller) fetchFailed(key tracking.Key, cfg Config, err error, took time.Duration) {
	outcome := OutcomeError
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		outcome = OutcomeNotFound
	case errors.Is(err, upstream.ErrRateLimited):
		outcome = OutcomeRateLimited
	}

	if _, tracked := p.tracker.Get(key.EntityID, key.Mode); !tracked {
		// Removed while failing; drop its count.
		delete(p.failures, key)
		p.log.Debug("fetch failed for removed key", logx.String("key", key.String()), logx.Err(err))
		p.report(eventbus.PollFailed, outcome, key, 0, 0, took, err)
		return
	}
	p.failures[key]++
	n := p.failures[key]
	fields := []logx.Field{logx.String("key", key.String()), logx.Int("consecutive", n), logx.Err(err)}
	switch {
	case n == cfg.FailureThreshold:
		p.log.Warn("key keeps failing", fields...)
	case outcome == OutcomeNotFound:
		p.log.Info("entity not found upstream", fields...)
	default:
		p.log.Debug("fetch failed", fields...)
	}
	p.report(eventbus.PollFailed, outcome, key, 0, 0, took, err)
}

func (p *Poller) report(typ, outcome string, key tracking.Key, items, notified int, took time.Duration, err error) {
	p.metrics.PollResult(outcome, took)
	if p.bus == nil {
		return
	}
	ev := PollEvent{Key: key.String(), Items: items, Notified: notified, Took: took}
	if err != nil {
		ev.Error = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
}

// Failures returns the consecutive failure count of key. It must be called
// from the loop goroutine or after the loop stopped.
func (p *Poller) Failures(key tracking.Key) int { return p.failures[key] }

// newerThan keeps items strictly after marker, oldest first.
func newerThan(items []upstream.Item, marker time.Time) []upstream.Item {
	out := make([]upstream.Item, 0, len(items))
	for _, it := range items {
		if it.At.After(marker) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func sortedChannels(rec tracking.Record) []tracking.ChannelID {
	out := make([]tracking.ChannelID, 0, len(rec.Channels))
	for ch := range rec.Channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const maxTitleRunes = 200

// FormatItem renders the HTML notification text for one item.
func FormatItem(key tracking.Key, it upstream.Item) string {
	title := strings.TrimSpace(it.Title)
	if title == "" {
		title = it.ID
	}
	head := tgui.JoinH(" ",
		tgui.B(fmt.Sprintf("#%d", it.Position)),
		tgui.Link(tgui.TruncRunes(title, maxTitleRunes), it.URL),
	)
	return tgui.Lines(head, tgui.Escf("%d · %s · %s", key.EntityID, key.Mode, it.At.UTC().Format(time.RFC3339))).String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

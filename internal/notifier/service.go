package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"

	"trackbot/internal/eventbus"
	rtsup "trackbot/internal/runtime/supervisor"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyMax = 300

type job struct {
	id       string
	n        transport.Notification
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPermanentError marks errors that must not be retried.
func WithPermanentError(fn func(error) bool) Option {
	return func(s *Service) { s.permanent = fn }
}

// Service is the async notification pipeline: queue, worker pool, rate
// limit, retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	sender    transport.Sender
	bus       eventbus.Bus
	store     storage.Store
	metrics   Metrics
	permanent func(error) bool

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log,
		bus:     bus,
		store:   store,
		metrics: nopMetrics{},
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the runtime config. Workers and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = def.DedupMaxEntries
	}

	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are absorbed.
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			return s.exitErr(c, s.persistLoop(c, pch))
		}, rtsup.WithPublishError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			return s.exitErr(c, s.workerLoop(c, q))
		}, rtsup.WithPublishError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// exitErr turns an early loop exit into an error so the supervisor restarts
// it. Exits caused by Stop are clean.
func (s *Service) exitErr(ctx context.Context, closed bool) error {
	if closed || ctx.Err() != nil {
		return nil
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop stops intake and drains the queue until ctx is done; then it cancels
// the workers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls may still send on q.
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues n and returns the job id. Suppressed duplicates return the
// id with a nil error.
func (s *Service) Notify(ctx context.Context, n transport.Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return "", ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	id := uuid.NewString()
	key := dedupKey(n)
	if cfg.DedupWindow > 0 && key != "" && !s.dedupAllow(ctx, key, cfg, pch) {
		s.publish(eventbus.NotifierDeduped, id, n, key, 0, nil)
		s.metrics.Notification(OutcomeDeduped)
		return id, nil
	}

	select {
	case q <- job{id: id, n: n, dedupKey: key}:
		s.publish(eventbus.NotifierQueued, id, n, key, 0, nil)
		return id, nil
	default:
		s.publish(eventbus.NotifierDropped, id, n, key, 0, ErrQueueFull)
		s.metrics.Notification(OutcomeDropped)
		return id, ErrQueueFull
	}
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// QueueLen reports queued jobs not yet picked up by a worker.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) appendHistory(j job, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{ID: j.id, At: s.now(), ChatID: j.n.Target.ChatID, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ, id string, n transport.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{
		ID:       id,
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Attempts: attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// persistLoop writes dedup windows to the store. It reports true when ch was
// closed.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case w, ok := <-ch:
			if !ok {
				return true
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// workerLoop drains q. It reports true when q was closed.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender, permanent := s.cfg, s.limiter, s.sender, s.permanent
	s.mu.Unlock()

	text := prefixForPriority(j.n.Priority) + j.n.Text
	if sender == nil || text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j, text)
			s.publish(eventbus.NotifierSent, j.id, j.n, j.dedupKey, attempt, nil)
			s.metrics.Notification(OutcomeSent)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("id", j.id), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt == attempts || (permanent != nil && permanent(err)) || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification failed", logx.String("id", j.id), logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(lastErr))
	s.publish(eventbus.NotifierFailed, j.id, j.n, j.dedupKey, attempts, lastErr)
	s.metrics.Notification(OutcomeFailed)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// dedupKey hashes the caller's key, or the target and text when none is set.
func dedupKey(n transport.Notification) string {
	if n.DedupKey != "" {
		return fmt.Sprintf("%016x", xxh3.HashString(n.DedupKey))
	}
	if n.Channel == "" {
		return ""
	}
	h := xxh3.New()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.WriteString(n.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	persist := cfg.PersistDedup && s.store != nil
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > cfg.DedupMaxEntries {
		s.pruneDedupLocked(now, cfg.DedupMaxEntries)
	}
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneDedupLocked drops expired entries, then the earliest-expiring ones
// until at most maxN remain.
func (s *Service) pruneDedupLocked(now time.Time, maxN int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxN {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at
// RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Event types published by the poll loop and the notifier.
const (
	PollChecked  = "poll.checked"
	PollFailed   = "poll.failed"
	PollNewItems = "poll.new_items"

	NotifierQueued  = "notifier.queued"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: xsync.NewMap[uint64, *subscriber]()}
}

// MemBus is the Bus returned by New.
type MemBus struct {
	subs    *xsync.Map[uint64, *subscriber]
	seq     atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) trySend(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.subs.Range(func(_ uint64, s *subscriber) bool {
		if !s.trySend(e) {
			b.dropped.Add(1)
		}
		return true
	})
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)
	b.subs.Store(id, s)

	unsub := func() {
		if s, ok := b.subs.LoadAndDelete(id); ok {
			s.close()
		}
	}
	return s.ch, unsub
}

// Dropped counts events discarded because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current number of subscribers.
func (b *MemBus) Subscribers() int { return b.subs.Size() }

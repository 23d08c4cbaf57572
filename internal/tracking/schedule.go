package tracking

import (
	"container/heap"
	"time"
)

// entry is one scheduled key. idx is its position in the heap slice,
// maintained by Swap so arbitrary removal stays O(log n).
type entry struct {
	key Key
	at  time.Time
	idx int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].key.Less(h[j].key)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Schedule orders keys by the time they were last (re)scheduled; the oldest
// pops first and ties break on key order.
//
// Schedule is not safe for concurrent use; Tracker guards it with one mutex.
type Schedule struct {
	h     entryHeap
	index map[Key]*entry
}

func NewSchedule() *Schedule {
	return &Schedule{index: map[Key]*entry{}}
}

// Len returns the number of scheduled keys.
func (s *Schedule) Len() int { return len(s.h) }

// Contains reports whether key is scheduled.
func (s *Schedule) Contains(key Key) bool {
	_, ok := s.index[key]
	return ok
}

// PushOrDecrease inserts key at at, or lowers the urgency of an existing
// entry: it is moved back to at when at is later than its current time.
// Resets use now, so in practice this re-queues the key behind everything
// scheduled before it.
func (s *Schedule) PushOrDecrease(key Key, at time.Time) {
	if e, ok := s.index[key]; ok {
		if at.After(e.at) {
			e.at = at
			heap.Fix(&s.h, e.idx)
		}
		return
	}
	e := &entry{key: key, at: at}
	heap.Push(&s.h, e)
	s.index[key] = e
}

// PopBatch removes and returns up to n keys in ascending priority order.
func (s *Schedule) PopBatch(n int) []Key {
	if n <= 0 || len(s.h) == 0 {
		return nil
	}
	if n > len(s.h) {
		n = len(s.h)
	}
	out := make([]Key, 0, n)
	for i := 0; i < n; i++ {
		e := heap.Pop(&s.h).(*entry)
		delete(s.index, e.key)
		out = append(out, e.key)
	}
	return out
}

// Remove drops key if scheduled.
func (s *Schedule) Remove(key Key) bool {
	e, ok := s.index[key]
	if !ok {
		return false
	}
	heap.Remove(&s.h, e.idx)
	delete(s.index, key)
	return true
}

// Keys returns the scheduled keys in no particular order.
func (s *Schedule) Keys() []Key {
	out := make([]Key, 0, len(s.h))
	for _, e := range s.h {
		out = append(out, e.key)
	}
	return out
}

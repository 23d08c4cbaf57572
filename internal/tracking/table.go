package tracking

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Record is the tracked state of one key.
//
// Records stored in a Table are never mutated in place: every change installs
// a fresh copy, so a Record obtained from Get can be read without locking.
// Callers must treat Channels as read-only.
type Record struct {
	Marker   time.Time
	Channels map[ChannelID]int
}

func (r Record) clone() Record {
	ch := make(map[ChannelID]int, len(r.Channels)+1)
	for k, v := range r.Channels {
		ch[k] = v
	}
	return Record{Marker: r.Marker, Channels: ch}
}

// Limit returns the channel's limit for this record.
func (r Record) Limit(ch ChannelID) (int, bool) {
	v, ok := r.Channels[ch]
	return v, ok
}

// Subscription is one (entity, mode, limit) row of a channel listing.
type Subscription struct {
	EntityID int64 `json:"entity_id"`
	Mode     Mode  `json:"mode"`
	Limit    int   `json:"limit"`
}

// Table is the concurrent subscription table.
type Table struct {
	m *xsync.Map[Key, Record]
}

func NewTable() *Table {
	return &Table{m: xsync.NewMap[Key, Record]()}
}

// Get is a lock-free point lookup.
func (t *Table) Get(key Key) (Record, bool) {
	return t.m.Load(key)
}

// Has reports whether key has a record.
func (t *Table) Has(key Key) bool {
	_, ok := t.m.Load(key)
	return ok
}

// Len returns the number of records.
func (t *Table) Len() int { return t.m.Size() }

// insert installs rec as-is (startup load). Empty records are ignored.
func (t *Table) insert(key Key, rec Record) bool {
	if len(rec.Channels) == 0 {
		return false
	}
	t.m.Store(key, rec.clone())
	return true
}

// UpsertChannel creates the record if absent and sets the channel's limit.
//
// created reports that a new record was installed; changed is false only when
// the channel already had exactly this limit.
func (t *Table) UpsertChannel(key Key, marker time.Time, ch ChannelID, limit int) (created, changed bool) {
	t.m.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if !loaded {
			created, changed = true, true
			return Record{Marker: marker, Channels: map[ChannelID]int{ch: limit}}, xsync.UpdateOp
		}
		if cur, ok := old.Channels[ch]; ok && cur == limit {
			return old, xsync.CancelOp
		}
		next := old.clone()
		next.Channels[ch] = limit
		changed = true
		return next, xsync.UpdateOp
	})
	return created, changed
}

// RemoveChannel drops ch from key's record. An emptied record stays in the
// table until DeleteIfEmpty so the caller can clean the schedule and store first.
func (t *Table) RemoveChannel(key Key, ch ChannelID) (removed, becameEmpty bool) {
	t.m.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		if _, ok := old.Channels[ch]; !ok {
			return old, xsync.CancelOp
		}
		next := old.clone()
		delete(next.Channels, ch)
		removed = true
		becameEmpty = len(next.Channels) == 0
		return next, xsync.UpdateOp
	})
	return removed, becameEmpty
}

// DeleteIfEmpty removes key's record when its channel set is empty.
func (t *Table) DeleteIfEmpty(key Key) bool {
	var deleted bool
	t.m.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if !loaded || len(old.Channels) > 0 {
			return old, xsync.CancelOp
		}
		deleted = true
		return old, xsync.DeleteOp
	})
	return deleted
}

// SetMarker replaces the marker of an existing record.
func (t *Table) SetMarker(key Key, marker time.Time) bool {
	var ok bool
	t.m.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		ok = true
		next := old.clone()
		next.Marker = marker
		return next, xsync.UpdateOp
	})
	return ok
}

// ModesWithChannel returns, in mode order, every mode under which entity is
// tracked for ch.
func (t *Table) ModesWithChannel(entity int64, ch ChannelID) []Mode {
	var out []Mode
	t.m.Range(func(k Key, r Record) bool {
		if k.EntityID == entity {
			if _, ok := r.Channels[ch]; ok {
				out = append(out, k.Mode)
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeysWithChannel returns, in key order, every key whose record contains ch,
// optionally restricted to one mode.
func (t *Table) KeysWithChannel(ch ChannelID, mode *Mode) []Key {
	var out []Key
	t.m.Range(func(k Key, r Record) bool {
		if mode != nil && k.Mode != *mode {
			return true
		}
		if _, ok := r.Channels[ch]; ok {
			out = append(out, k)
		}
		return true
	})
	sortKeys(out)
	return out
}

// ListByChannel returns a snapshot of ch's subscriptions in key order.
func (t *Table) ListByChannel(ch ChannelID) []Subscription {
	out := []Subscription{}
	t.m.Range(func(k Key, r Record) bool {
		if lim, ok := r.Channels[ch]; ok {
			out = append(out, Subscription{EntityID: k.EntityID, Mode: k.Mode, Limit: lim})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return KeyOf(out[i].EntityID, out[i].Mode).Less(KeyOf(out[j].EntityID, out[j].Mode))
	})
	return out
}

// Keys returns every tracked key in key order.
func (t *Table) Keys() []Key {
	out := make([]Key, 0, t.m.Size())
	t.m.Range(func(k Key, _ Record) bool {
		out = append(out, k)
		return true
	})
	sortKeys(out)
	return out
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "trackbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// State is rebuilt at open by loading the snapshot and replaying the journal.
// The journal is folded into the snapshot by Compact and every compactEvery
// writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	subs  map[subKey]Subscription
	dedup map[string]int64 // unix milli

	writes int
}

type subKey struct {
	entity int64
	mode   uint8
}

const compactEvery = 1000

type journalOp string

const (
	opPut   journalOp = "put"
	opDel   journalOp = "del"
	opDedup journalOp = "dedup"
)

type journalRecord struct {
	Op       journalOp     `json:"op"`
	Sub      *Subscription `json:"sub,omitempty"`
	EntityID int64         `json:"entity_id,omitempty"`
	Mode     uint8         `json:"mode,omitempty"`
	Key      string        `json:"key,omitempty"`
	Until    int64         `json:"until,omitempty"`
}

type fileSnapshot struct {
	Subscriptions []Subscription   `json:"subscriptions"`
	Dedup         map[string]int64 `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		subs:         map[subKey]Subscription{},
		dedup:        map[string]int64{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pruneExpiredDedup(s.dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("subscriptions", len(s.subs)),
		logx.Int("journal_records", replayed),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedSubsLocked(), nil
}

func (s *fileStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	sub = cloneSubscription(sub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPut, Sub: &sub}); err != nil {
		return err
	}
	s.subs[subKey{sub.EntityID, sub.Mode}] = sub
	return nil
}

func (s *fileStore) DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDel, EntityID: entityID, Mode: mode}); err != nil {
		return err
	}
	delete(s.subs, subKey{entityID, mode})
	return nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedup[key] = ms
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Compact folds the journal into a fresh snapshot.
func (s *fileStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	snap := fileSnapshot{Subscriptions: s.sortedSubsLocked(), Dedup: s.dedup}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	s.log.Debug("journal compacted", logx.Int("subscriptions", len(snap.Subscriptions)), logx.Int("dedup", len(snap.Dedup)))
	return err
}

func (s *fileStore) sortedSubsLocked() []Subscription {
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sub := range snap.Subscriptions {
		s.subs[subKey{sub.EntityID, sub.Mode}] = sub
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	return nil
}

// replayJournal applies every decodable record. A torn final line from a
// crash mid-write is skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opPut:
			if r.Sub == nil {
				continue
			}
			s.subs[subKey{r.Sub.EntityID, r.Sub.Mode}] = *r.Sub
		case opDel:
			delete(s.subs, subKey{r.EntityID, r.Mode})
		case opDedup:
			if r.Key == "" {
				continue
			}
			s.dedup[r.Key] = r.Until
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}

func cloneSubscription(sub Subscription) Subscription {
	ch := make(map[int64]int, len(sub.Channels))
	for k, v := range sub.Channels {
		ch[k] = v
	}
	sub.Channels = ch
	return sub
}

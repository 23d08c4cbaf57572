package tracking

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackbot/internal/storage"
	logx "trackbot/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    map[Key]storage.Subscription
	upserts int
	deletes int
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[Key]storage.Subscription{}}
}

func (f *fakeStore) LoadSubscriptions(ctx context.Context) ([]storage.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, sub storage.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.upserts++
	f.subs[KeyOf(sub.EntityID, Mode(sub.Mode))] = sub
	return nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, entityID int64, mode uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.deletes++
	delete(f.subs, KeyOf(entityID, Mode(mode)))
	return nil
}

func (f *fakeStore) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeStore) counts() (upserts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts, f.deletes
}

// clock is a manual time source; sleeping advances it.
type clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type countingMetrics struct {
	mu          sync.Mutex
	raceSkips   int
	persistFail map[string]int
	batches     []Batch
}

func (m *countingMetrics) ObserveBatch(_ int, b Batch) {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	m.mu.Unlock()
}

func (m *countingMetrics) RaceSkipped() {
	m.mu.Lock()
	m.raceSkips++
	m.mu.Unlock()
}

func (m *countingMetrics) PersistFailed(op string) {
	m.mu.Lock()
	if m.persistFail == nil {
		m.persistFail = map[string]int{}
	}
	m.persistFail[op]++
	m.mu.Unlock()
}

func (m *countingMetrics) SetSizes(int, int) {}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, store Store, cfg Config, opts ...Option) (*Tracker, *clock) {
	t.Helper()
	clk := &clock{now: t0}
	tr, err := New(context.Background(), cfg, store, logx.Nop(), opts...)
	require.NoError(t, err)
	tr.now = clk.Now
	tr.sleep = clk.Sleep
	tr.ctrl.MarkPop(clk.Now())
	return tr, clk
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	tr, _ := newTestTracker(t, st, Config{})

	changed, err := tr.Add(ctx, 42, ModeStandard, t0, 1, 10)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = tr.Add(ctx, 42, ModeStandard, t0, 1, 10)
	require.NoError(t, err)
	require.False(t, changed)

	upserts, _ := st.counts()
	require.Equal(t, 1, upserts, "identical add must not write")
	require.Equal(t, 1, tr.Len())
}

func TestAddChangesLimitAndAddsChannels(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	tr, _ := newTestTracker(t, st, Config{})

	_, err := tr.Add(ctx, 1, ModeMania, t0, 10, 5)
	require.NoError(t, err)
	changed, err := tr.Add(ctx, 1, ModeMania, t0.Add(time.Hour), 10, 20)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = tr.Add(ctx, 1, ModeMania, t0.Add(time.Hour), 11, 3)
	require.NoError(t, err)
	require.True(t, changed)

	rec, ok := tr.Get(1, ModeMania)
	require.True(t, ok)
	require.Equal(t, map[ChannelID]int{10: 20, 11: 3}, rec.Channels)
	require.True(t, rec.Marker.Equal(t0), "marker only set when the record is created")
	require.Equal(t, 1, tr.Len(), "existing record is not scheduled twice")

	stored := st.subs[KeyOf(1, ModeMania)]
	require.Equal(t, map[int64]int{10: 20, 11: 3}, stored.Channels)
}

func TestAddClampsNegativeLimit(t *testing.T) {
	tr, _ := newTestTracker(t, nil, Config{})
	_, err := tr.Add(context.Background(), 1, ModeStandard, t0, 1, -5)
	require.NoError(t, err)
	rec, _ := tr.Get(1, ModeStandard)
	require.Equal(t, 0, rec.Channels[1])
}

func TestRemoveEmptiesRecordWithSingleDelete(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	tr, _ := newTestTracker(t, st, Config{})

	_, err := tr.Add(ctx, 5, ModeTaiko, t0, 1, 10)
	require.NoError(t, err)
	_, err = tr.Add(ctx, 5, ModeTaiko, t0, 2, 10)
	require.NoError(t, err)

	n, err := tr.RemoveEntityFromChannel(ctx, 5, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, deletes := st.counts()
	require.Zero(t, deletes)
	require.Equal(t, 1, tr.Len())

	n, err = tr.RemoveEntityFromChannel(ctx, 5, 2)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, deletes = st.counts()
	require.Equal(t, 1, deletes)
	_, ok := tr.Get(5, ModeTaiko)
	require.False(t, ok)
	require.Zero(t, tr.Len())
	require.Empty(t, st.subs)
}

func TestRemoveEntityFromChannelAcrossModes(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, newFakeStore(), Config{})

	for _, m := range Modes() {
		_, err := tr.Add(ctx, 9, m, t0, 1, 10)
		require.NoError(t, err)
	}
	_, err := tr.Add(ctx, 10, ModeStandard, t0, 1, 10)
	require.NoError(t, err)

	n, err := tr.RemoveEntityFromChannel(ctx, 9, 1)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 1, tr.Len())

	n, err = tr.RemoveEntityFromChannel(ctx, 9, 1)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRemoveChannelWithModeFilter(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, newFakeStore(), Config{})

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 7, 10)
	_, _ = tr.Add(ctx, 2, ModeStandard, t0, 7, 10)
	_, _ = tr.Add(ctx, 2, ModeCatch, t0, 7, 10)
	_, _ = tr.Add(ctx, 2, ModeCatch, t0, 8, 10)

	catch := ModeCatch
	n, err := tr.RemoveChannel(ctx, 7, &catch)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, tr.List(7), 2)

	n, err = tr.RemoveChannel(ctx, 7, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, tr.List(7))
	require.Equal(t, []Subscription{{EntityID: 2, Mode: ModeCatch, Limit: 10}}, tr.List(8))
	require.Equal(t, 1, tr.Len())
}

func TestListIsSortedAndScoped(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, nil, Config{})

	_, _ = tr.Add(ctx, 3, ModeStandard, t0, 1, 30)
	_, _ = tr.Add(ctx, 1, ModeMania, t0, 1, 10)
	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 5)
	_, _ = tr.Add(ctx, 2, ModeStandard, t0, 2, 99)

	require.Equal(t, []Subscription{
		{EntityID: 1, Mode: ModeStandard, Limit: 5},
		{EntityID: 1, Mode: ModeMania, Limit: 10},
		{EntityID: 3, Mode: ModeStandard, Limit: 30},
	}, tr.List(1))
	require.Empty(t, tr.List(404))
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	m := &countingMetrics{}
	tr, _ := newTestTracker(t, st, Config{}, WithMetrics(m))

	_, err := tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	require.NoError(t, err)

	boom := errors.New("disk full")
	st.setFail(boom)

	_, err = tr.Add(ctx, 2, ModeStandard, t0, 1, 10)
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, boom)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "add", pe.Op)
	require.Equal(t, KeyOf(2, ModeStandard), pe.Key)
	_, ok := tr.Get(2, ModeStandard)
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())

	_, err = tr.Add(ctx, 1, ModeStandard, t0, 1, 50)
	require.ErrorIs(t, err, ErrPersistence)
	rec, _ := tr.Get(1, ModeStandard)
	require.Equal(t, 10, rec.Channels[1])

	err = tr.UpdateMarker(ctx, 1, ModeStandard, t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrPersistence)
	rec, _ = tr.Get(1, ModeStandard)
	require.True(t, rec.Marker.Equal(t0))

	n, err := tr.RemoveEntityFromChannel(ctx, 1, 1)
	require.ErrorIs(t, err, ErrPersistence)
	require.Zero(t, n)
	_, ok = tr.Get(1, ModeStandard)
	require.True(t, ok)
	require.Equal(t, 1, tr.Len())

	require.Equal(t, 1, m.persistFail["add"])
	require.Equal(t, 1, m.persistFail["update_marker"])
	require.Equal(t, 1, m.persistFail["remove_entity"])
}

func TestUpdateMarker(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	tr, _ := newTestTracker(t, st, Config{})

	require.NoError(t, tr.UpdateMarker(ctx, 1, ModeStandard, t0), "untracked key is a no-op")
	upserts, _ := st.counts()
	require.Zero(t, upserts)

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	later := t0.Add(30 * time.Minute)
	require.NoError(t, tr.UpdateMarker(ctx, 1, ModeStandard, later))
	rec, _ := tr.Get(1, ModeStandard)
	require.True(t, rec.Marker.Equal(later))
	require.True(t, st.subs[KeyOf(1, ModeStandard)].Marker.Equal(later))

	require.NoError(t, tr.UpdateMarker(ctx, 1, ModeStandard, later))
	upserts, _ = st.counts()
	require.Equal(t, 2, upserts, "unchanged marker is not written again")
}

func TestNewLoadsAndSchedulesStoredSubscriptions(t *testing.T) {
	st := newFakeStore()
	st.subs[KeyOf(1, ModeStandard)] = storage.Subscription{EntityID: 1, Mode: 0, Marker: t0, Channels: map[int64]int{5: 10}}
	st.subs[KeyOf(2, ModeMania)] = storage.Subscription{EntityID: 2, Mode: 3, Marker: t0, Channels: map[int64]int{5: 10, 6: 1}}
	st.subs[KeyOf(3, ModeTaiko)] = storage.Subscription{EntityID: 3, Mode: 1, Marker: t0}

	tr, _ := newTestTracker(t, st, Config{})
	require.Equal(t, 2, tr.Len(), "empty records are not loaded")
	stats := tr.Stats()
	require.Equal(t, 2, stats.Tracked)
	require.Equal(t, DefaultInterval, stats.Interval)
	require.Equal(t, DefaultCooldown, stats.Cooldown)
}

func TestPopBatchScenario(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTestTracker(t, nil, Config{Interval: 25 * time.Second, Cooldown: 5 * time.Second})

	for i := int64(1); i <= 5; i++ {
		_, err := tr.Add(ctx, i, ModeStandard, t0, 1, 10)
		require.NoError(t, err)
	}

	got, err := tr.Pop(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []time.Duration{5 * time.Second}, clk.sleeps)
	require.Equal(t, 4, tr.Len())
	require.Equal(t, clk.Now(), tr.Stats().LastPop)
}

func TestPopCatchUpWhenIntervalOverrun(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTestTracker(t, nil, Config{Interval: time.Minute, Cooldown: 5 * time.Second})

	for i := int64(1); i <= 3; i++ {
		_, _ = tr.Add(ctx, i, ModeStandard, t0, 1, 10)
	}
	clk.Advance(2 * time.Minute)

	got, err := tr.Pop(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, clk.sleeps, "no delay once the interval is overrun")
}

func TestPopEmpty(t *testing.T) {
	tr, clk := newTestTracker(t, nil, Config{})
	got, err := tr.Pop(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
	require.Empty(t, clk.sleeps)
	require.True(t, tr.Stats().LastPop.Equal(t0), "empty pop leaves the cursor alone")
}

func TestPopOrderIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTestTracker(t, nil, Config{Interval: time.Second, Cooldown: 0})

	for i := int64(1); i <= 4; i++ {
		_, _ = tr.Add(ctx, i, ModeStandard, clk.Now(), 1, 10)
		clk.Advance(time.Millisecond)
	}
	// Reset moves key 1 behind everything else.
	tr.Reset(1, ModeStandard)

	var order []int64
	for tr.Len() > 0 {
		got, err := tr.Pop(ctx)
		require.NoError(t, err)
		for k := range got {
			order = append(order, k.EntityID)
		}
	}
	require.Equal(t, []int64{2, 3, 4, 1}, order)
}

func TestPoppedKeyIsNotRescheduledUntilReset(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, nil, Config{Interval: time.Second, Cooldown: 0})

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	got, err := tr.Pop(ctx)
	require.NoError(t, err)
	require.Contains(t, got, KeyOf(1, ModeStandard))
	require.Zero(t, tr.Len())

	got, err = tr.Pop(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	// Add for an in-flight key changes the record but does not re-schedule it.
	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 2, 10)
	require.Zero(t, tr.Len())

	tr.Reset(1, ModeStandard)
	require.Equal(t, 1, tr.Len())
}

func TestResetUntrackedIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t, nil, Config{})
	tr.Reset(77, ModeCatch)
	require.Zero(t, tr.Len())
}

func TestResetAfterRemoveDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, nil, Config{Interval: time.Second, Cooldown: 0})

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	_, err := tr.Pop(ctx)
	require.NoError(t, err)

	_, err = tr.RemoveEntityFromChannel(ctx, 1, 1)
	require.NoError(t, err)
	tr.Reset(1, ModeStandard)
	require.Zero(t, tr.Len())
}

func TestPopSkipsKeysRemovedAfterDequeue(t *testing.T) {
	ctx := context.Background()
	m := &countingMetrics{}
	tr, _ := newTestTracker(t, nil, Config{Interval: time.Second, Cooldown: 0}, WithMetrics(m))

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	_, _ = tr.Add(ctx, 2, ModeStandard, t0, 1, 10)

	// Simulate the race: the record vanishes while its schedule entry remains.
	tr.table.RemoveChannel(KeyOf(1, ModeStandard), 1)
	tr.table.DeleteIfEmpty(KeyOf(1, ModeStandard))

	var seen []Key
	for tr.Len() > 0 {
		got, err := tr.Pop(ctx)
		require.NoError(t, err)
		for k := range got {
			seen = append(seen, k)
		}
	}
	require.Equal(t, []Key{KeyOf(2, ModeStandard)}, seen)
	require.Equal(t, 1, m.raceSkips)
}

func TestPopCancelledConsumesNothing(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, nil, Config{Interval: time.Hour, Cooldown: time.Second})
	tr.sleep = sleepCtx

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	before := tr.Stats().LastPop

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	got, err := tr.Pop(cctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, got)
	require.Equal(t, 1, tr.Len())
	require.Equal(t, before, tr.Stats().LastPop)
}

func TestPopCancelledDuringCatchUpConsumesNothing(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTestTracker(t, nil, Config{Interval: time.Minute, Cooldown: 5 * time.Second})

	_, _ = tr.Add(ctx, 1, ModeStandard, t0, 1, 10)
	_, _ = tr.Add(ctx, 2, ModeStandard, t0, 1, 10)
	clk.Advance(2 * time.Minute)
	before := tr.Stats().LastPop

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	got, err := tr.Pop(cctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, got)
	require.Equal(t, 2, tr.Len())
	require.Equal(t, before, tr.Stats().LastPop)
	require.Empty(t, clk.sleeps)
}

// scheduledKeys returns the schedule's keys in key order.
func scheduledKeys(tr *Tracker) []Key {
	tr.qmu.Lock()
	keys := tr.sched.Keys()
	tr.qmu.Unlock()
	sortKeys(keys)
	return keys
}

func requireScheduleMatchesTable(t *testing.T, tr *Tracker) {
	t.Helper()
	for _, k := range tr.table.Keys() {
		rec, ok := tr.table.Get(k)
		require.True(t, ok)
		require.NotEmpty(t, rec.Channels, "tracked key %s has no channels", k)
	}
	require.Equal(t, tr.table.Keys(), scheduledKeys(tr))
}

func randomOp(ctx context.Context, tr *Tracker, rng *rand.Rand) error {
	entity := int64(rng.Intn(6))
	mode := Mode(rng.Intn(2))
	ch := ChannelID(rng.Intn(4))
	switch rng.Intn(5) {
	case 0, 1:
		_, err := tr.Add(ctx, entity, mode, t0, ch, rng.Intn(3))
		return err
	case 2:
		_, err := tr.RemoveEntityFromChannel(ctx, entity, ch)
		return err
	case 3:
		var filter *Mode
		if rng.Intn(2) == 0 {
			filter = &mode
		}
		_, err := tr.RemoveChannel(ctx, ch, filter)
		return err
	default:
		tr.Reset(entity, mode)
		return nil
	}
}

func TestScheduleKeysMatchTrackedKeys(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, newFakeStore(), Config{})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		require.NoError(t, randomOp(ctx, tr, rng))
		requireScheduleMatchesTable(t, tr)
	}
}

func TestScheduleKeysMatchTrackedKeysConcurrent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, newFakeStore(), Config{})

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				for i := 0; i < 100; i++ {
					assert.NoError(t, randomOp(ctx, tr, rng))
				}
			}(int64(round*10 + w))
		}
		wg.Wait()
		requireScheduleMatchesTable(t, tr)
	}
}

func TestConcurrentAddsAndLen(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	tr, _ := newTestTracker(t, st, Config{})

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Every worker adds the same keys on its own channel.
				_, err := tr.Add(ctx, int64(i), ModeStandard, t0, ChannelID(w), 10)
				assert.NoError(t, err)
				_ = tr.Len()
				tr.Reset(int64(i), ModeStandard)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, perWorker, tr.Len())
	require.Equal(t, perWorker, tr.Stats().Tracked)
	for i := 0; i < perWorker; i++ {
		rec, ok := tr.Get(int64(i), ModeStandard)
		require.True(t, ok)
		require.Len(t, rec.Channels, workers)
		require.Len(t, st.subs[KeyOf(int64(i), ModeStandard)].Channels, workers, "store holds the last full record")
	}
}

func TestConcurrentRemoveAndReset(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, newFakeStore(), Config{})

	const n = 200
	for i := 0; i < n; i++ {
		_, _ = tr.Add(ctx, int64(i), ModeStandard, t0, 1, 10)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := tr.RemoveEntityFromChannel(ctx, int64(i), 1)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			tr.Reset(int64(i), ModeStandard)
		}
	}()
	wg.Wait()

	require.Zero(t, tr.Len())
	require.Zero(t, tr.Stats().Tracked)
}

func TestSetCadence(t *testing.T) {
	tr, _ := newTestTracker(t, nil, Config{Interval: time.Minute, Cooldown: time.Second})
	tr.SetCadence(2*time.Hour, 10*time.Second)
	st := tr.Stats()
	require.Equal(t, 2*time.Hour, st.Interval)
	require.Equal(t, 10*time.Second, st.Cooldown)

	tr.SetCadence(0, -1)
	st = tr.Stats()
	require.Equal(t, DefaultInterval, st.Interval)
	require.Equal(t, DefaultCooldown, st.Cooldown)
}

func TestGetReturnsCopy(t *testing.T) {
	tr, _ := newTestTracker(t, nil, Config{})
	_, _ = tr.Add(context.Background(), 1, ModeStandard, t0, 1, 10)
	rec, _ := tr.Get(1, ModeStandard)
	rec.Channels[99] = 1
	rec2, _ := tr.Get(1, ModeStandard)
	require.NotContains(t, rec2.Channels, ChannelID(99))
}

package tracking

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByTimeThenKey(t *testing.T) {
	s := NewSchedule()
	base := time.Unix(1000, 0)

	s.PushOrDecrease(KeyOf(3, ModeStandard), base)
	s.PushOrDecrease(KeyOf(1, ModeMania), base)
	s.PushOrDecrease(KeyOf(1, ModeStandard), base)
	s.PushOrDecrease(KeyOf(0, ModeStandard), base.Add(time.Second))

	require.Equal(t, 4, s.Len())
	require.Equal(t, []Key{
		KeyOf(1, ModeStandard),
		KeyOf(1, ModeMania),
		KeyOf(3, ModeStandard),
	}, s.PopBatch(3))
	require.Equal(t, []Key{KeyOf(0, ModeStandard)}, s.PopBatch(10))
	require.Nil(t, s.PopBatch(1))
}

func TestSchedulePushOrDecreaseOnlyMovesLater(t *testing.T) {
	s := NewSchedule()
	base := time.Unix(1000, 0)
	a, b := KeyOf(1, ModeStandard), KeyOf(2, ModeStandard)

	s.PushOrDecrease(a, base)
	s.PushOrDecrease(b, base.Add(time.Second))
	s.PushOrDecrease(a, base.Add(2*time.Second))
	require.Equal(t, 2, s.Len())
	require.Equal(t, []Key{b, a}, s.PopBatch(2))

	s.PushOrDecrease(a, base.Add(time.Second))
	s.PushOrDecrease(b, base.Add(2*time.Second))
	s.PushOrDecrease(b, base)
	require.Equal(t, []Key{a, b}, s.PopBatch(2), "earlier time does not raise urgency")
}

func TestScheduleRemove(t *testing.T) {
	s := NewSchedule()
	base := time.Unix(1000, 0)
	for i := int64(0); i < 5; i++ {
		s.PushOrDecrease(KeyOf(i, ModeStandard), base.Add(time.Duration(i)*time.Second))
	}
	require.True(t, s.Remove(KeyOf(2, ModeStandard)))
	require.False(t, s.Remove(KeyOf(2, ModeStandard)))
	require.False(t, s.Contains(KeyOf(2, ModeStandard)))
	require.Equal(t, []Key{
		KeyOf(0, ModeStandard),
		KeyOf(1, ModeStandard),
		KeyOf(3, ModeStandard),
		KeyOf(4, ModeStandard),
	}, s.PopBatch(5))
}

func TestScheduleRandomizedMatchesSort(t *testing.T) {
	s := NewSchedule()
	rng := rand.New(rand.NewSource(7))
	base := time.Unix(0, 0)
	want := map[Key]time.Time{}

	for i := 0; i < 500; i++ {
		k := KeyOf(int64(rng.Intn(100)), Mode(rng.Intn(4)))
		at := base.Add(time.Duration(rng.Intn(1000)) * time.Millisecond)
		s.PushOrDecrease(k, at)
		if cur, ok := want[k]; !ok || at.After(cur) {
			want[k] = at
		}
		if rng.Intn(10) == 0 {
			rk := KeyOf(int64(rng.Intn(100)), Mode(rng.Intn(4)))
			s.Remove(rk)
			delete(want, rk)
		}
	}
	require.Equal(t, len(want), s.Len())

	var prev *Key
	var prevAt time.Time
	for s.Len() > 0 {
		k := s.PopBatch(1)[0]
		at, ok := want[k]
		require.True(t, ok)
		if prev != nil {
			require.False(t, at.Before(prevAt))
			if at.Equal(prevAt) {
				require.True(t, prev.Less(k))
			}
		}
		kk := k
		prev, prevAt = &kk, at
		delete(want, k)
	}
	require.Empty(t, want)
}

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PollChecked, Data: 1})

	ea := <-a
	ec := <-c
	require.Equal(t, PollChecked, ea.Type)
	require.Equal(t, PollChecked, ec.Type)
	require.False(t, ea.Time.IsZero())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Equal(t, uint64(1), b.Dropped())
	require.Equal(t, "a", (<-ch).Type)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	require.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, b.Subscribers())

	b.Publish(Event{Type: "after"})
	require.Zero(t, b.Dropped())
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/event"
)

// publishN publishes n events of the given type, returning them in order.
func publishN(t *testing.T, b *Broker, eventType string,
	n int) []event.Event {

	t.Helper()

	out := make([]event.Event, n)
	for i := 0; i < n; i++ {
		ev, err := event.NewEvent("actor-1", eventType,
			map[string]int{"seq": i})
		require.NoError(t, err)

		// Stamp strictly increasing timestamps so buffer ordering is
		// deterministic.
		ev.Timestamp = time.Unix(0, int64(i+1)).UTC()
		b.Publish(context.Background(), ev)
		out[i] = ev
	}

	return out
}

func TestPublishDeliversToTypeSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(DefaultBrokerConfig())
	orders := b.Subscribe("order_placed")
	everything := b.Subscribe()
	defer orders.Close()
	defer everything.Close()

	publishN(t, b, "order_placed", 1)
	publishN(t, b, "user_registered", 1)

	got := <-orders.Events()
	require.Equal(t, "order_placed", got.Type)
	select {
	case ev := <-orders.Events():
		t.Fatalf("unexpected delivery of %s", ev.Type)
	default:
	}

	// The wildcard subscriber sees both.
	first := <-everything.Events()
	second := <-everything.Events()
	require.ElementsMatch(t, []string{"order_placed", "user_registered"},
		[]string{first.Type, second.Type})
}

func TestSubscriptionAddRemove(t *testing.T) {
	t.Parallel()

	b := NewBroker(DefaultBrokerConfig())
	sub := b.Subscribe("a")
	defer sub.Close()

	sub.Add("b")
	require.Equal(t, []string{"a", "b"}, sub.Types())

	publishN(t, b, "b", 1)
	require.Equal(t, "b", (<-sub.Events()).Type)

	sub.Remove("b")
	publishN(t, b, "b", 1)
	select {
	case ev := <-sub.Events():
		t.Fatalf("delivery after unsubscribe: %s", ev.Type)
	default:
	}

	publishN(t, b, "a", 1)
	require.Equal(t, "a", (<-sub.Events()).Type)
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	cfg := DefaultBrokerConfig()
	cfg.EventBufferSize = 3
	b := NewBroker(cfg)

	evs := publishN(t, b, "tick", 5)

	buffered := b.BufferedSince(time.Time{}, "tick")
	require.Len(t, buffered, 3)
	require.Equal(t, evs[2].ID, buffered[0].ID)
	require.Equal(t, evs[4].ID, buffered[2].ID)
	require.EqualValues(t, 2, b.Drops())
}

func TestBufferedSinceFiltersByTimestamp(t *testing.T) {
	t.Parallel()

	b := NewBroker(DefaultBrokerConfig())
	evs := publishN(t, b, "tick", 4)

	// Since is inclusive.
	got := b.BufferedSince(evs[2].Timestamp, "tick")
	require.Len(t, got, 2)
	require.Equal(t, evs[2].ID, got[0].ID)
	require.Equal(t, evs[3].ID, got[1].ID)

	// No type filter scans every buffer.
	publishN(t, b, "tock", 1)
	all := b.BufferedSince(time.Time{})
	require.Len(t, all, 5)
}

func TestBufferedAfterResumesFromEventID(t *testing.T) {
	t.Parallel()

	b := NewBroker(DefaultBrokerConfig())
	evs := publishN(t, b, "tick", 4)

	got := b.BufferedAfter(evs[1].ID, "tick")
	require.Len(t, got, 2)
	require.Equal(t, evs[2].ID, got[0].ID)
	require.Equal(t, evs[3].ID, got[1].ID)

	require.Empty(t, b.BufferedAfter("no-such-event"))
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()

	cfg := DefaultBrokerConfig()
	cfg.SubscriberBuffer = 1
	b := NewBroker(cfg)

	sub := b.Subscribe("tick")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		publishN(t, b, "tick", 3)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// Only the first delivery fit the buffer.
	require.Equal(t, 1, len(sub.Events()))
	require.EqualValues(t, 2, b.Drops())
}

func TestCloseClosesSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroker(DefaultBrokerConfig())
	sub := b.Subscribe("tick")

	b.Close()

	_, open := <-sub.Events()
	require.False(t, open)

	// Publishing after close is harmless.
	publishN(t, b, "tick", 1)
}

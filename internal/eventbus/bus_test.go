package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
)

func TestPublishPersistsBeforeFanout(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := New(store)

	delivered := make(chan eventtypes.Event, 1)
	bus.Subscribe(Subscription{
		EventType: "alert.blackscreen",
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			delivered <- ev
		},
	})

	ev := eventtypes.New("alert.blackscreen", map[string]any{"device_id": "d1"}, eventtypes.PriorityCritical)
	published, err := bus.Publish(context.Background(), ev)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), published.ID)
	require.NoError(t, err)
	require.Equal(t, "alert.blackscreen", stored.Type)

	select {
	case got := <-delivered:
		require.Equal(t, published.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestReplayReturnsPublishedEvent(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := New(store)
	before := time.Now().Add(-time.Minute)

	ev := eventtypes.New("build.deployed", nil, eventtypes.PriorityNormal)
	published, err := bus.Publish(context.Background(), ev)
	require.NoError(t, err)

	replayed, err := bus.Replay(context.Background(), before, "")
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	require.Equal(t, published.ID, replayed[0].ID)
}

func TestSerialSubscriberPreservesPublishOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := New(store)

	var mu sync.Mutex
	var order []int

	done := make(chan struct{}, 1)
	bus.Subscribe(Subscription{
		EventType: "schedule.nightly",
		Serial:    true,
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			n := ev.Payload["n"].(int)
			mu.Lock()
			order = append(order, n)
			if len(order) == 5 {
				done <- struct{}{}
			}
			mu.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), eventtypes.New("schedule.nightly", map[string]any{"n": i}, eventtypes.PriorityNormal))
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serial subscriber did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := New(store)

	var calls int
	var mu sync.Mutex
	token := bus.Subscribe(Subscription{
		EventType: "event.unhandled",
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	bus.Unsubscribe(token)

	_, err := bus.Publish(context.Background(), eventtypes.New("event.unhandled", nil, eventtypes.PriorityLow))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestStatsCountsPublishAndDeliver(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := New(store)

	done := make(chan struct{}, 1)
	bus.Subscribe(Subscription{
		EventType: "task.completed",
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			done <- struct{}{}
		},
	})

	_, err := bus.Publish(context.Background(), eventtypes.New("task.completed", nil, eventtypes.PriorityNormal))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	stats := bus.Stats()
	require.Equal(t, uint64(1), stats.Published)
	require.Equal(t, uint64(1), stats.Delivered)
}

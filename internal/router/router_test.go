package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

type fakeDispatcher struct {
	dispatched []eventtypes.Event
	capacity   bool
}

func (f *fakeDispatcher) DispatchEvent(ctx context.Context, def registry.AgentDefinition, ev eventtypes.Event) (bool, error) {
	if !f.capacity {
		return false, nil
	}
	f.dispatched = append(f.dispatched, ev)
	return true, nil
}

func registeredPublishedAgent(t *testing.T, reg *registry.Registry) {
	t.Helper()
	def := registry.AgentDefinition{
		Metadata: registry.Metadata{ID: "qa-mobile", Version: "1.0.0"},
		Goal:     registry.GoalOnDemand,
		Triggers: []registry.Trigger{
			{EventType: "alert.blackscreen", Priority: "critical", Filters: map[string]string{"platform": "mobile"}},
		},
		EventPools: []string{"pool"},
	}
	_, err := reg.Register(def)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-mobile", "1.0.0"))
}

// TestEventToAgentDispatchScenario implements spec.md §8 seed scenario 2.
func TestEventToAgentDispatchScenario(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	reg := registry.New()
	registeredPublishedAgent(t, reg)

	dispatcher := &fakeDispatcher{capacity: true}
	r := New(reg, bus, dispatcher, telemetry.Telemetry{})

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile", "device_id": "d1"}, eventtypes.PriorityCritical)
	require.NoError(t, r.Route(context.Background(), ev))
	require.Len(t, dispatcher.dispatched, 1)

	ev2 := eventtypes.New("alert.blackscreen", map[string]any{"platform": "web"}, eventtypes.PriorityCritical)

	unhandled := make(chan eventtypes.Event, 1)
	bus.Subscribe(eventbus.Subscription{
		EventType: eventtypes.TypeEventUnhandled,
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			unhandled <- ev
		},
	})

	require.NoError(t, r.Route(context.Background(), ev2))
	require.Len(t, dispatcher.dispatched, 1, "web-platform event must not dispatch to qa-mobile")

	select {
	case got := <-unhandled:
		require.Equal(t, ev2.ID, got.Payload["original_event_id"])
	case <-time.After(time.Second):
		t.Fatal("expected event.unhandled to be published")
	}
}

func TestOnDemandOverCapacityDropsWithUnhandled(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	reg := registry.New()
	registeredPublishedAgent(t, reg)

	dispatcher := &fakeDispatcher{capacity: false}
	r := New(reg, bus, dispatcher, telemetry.Telemetry{})

	unhandled := make(chan eventtypes.Event, 1)
	bus.Subscribe(eventbus.Subscription{
		EventType: eventtypes.TypeEventUnhandled,
		Handler: func(ctx context.Context, ev eventtypes.Event) {
			unhandled <- ev
		},
	})

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile"}, eventtypes.PriorityHigh)
	require.NoError(t, r.Route(context.Background(), ev))

	select {
	case <-unhandled:
	case <-time.After(time.Second):
		t.Fatal("expected event.unhandled for over-capacity on-demand agent")
	}
}

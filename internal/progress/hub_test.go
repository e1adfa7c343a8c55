package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubBroadcastToRoom(t *testing.T) {
	h := New(nil)
	sub := h.JoinRoom(BackgroundTasksRoom)
	defer sub.Close()

	require.NoError(t, h.Broadcast(context.Background(), BackgroundTasksRoom, map[string]any{"id": "abc"}))

	select {
	case frame := <-sub.C():
		require.Equal(t, BackgroundTasksRoom, frame.Room)
		require.Equal(t, EventAgentEvent, frame.Kind)
		require.Equal(t, "abc", frame.Payload["id"])
	case <-time.After(time.Second):
		t.Fatal("expected a frame")
	}
}

func TestHubNotifyGoesToBackgroundTasksRoom(t *testing.T) {
	h := New(nil)
	sub := h.JoinRoom(BackgroundTasksRoom)
	defer sub.Close()

	require.NoError(t, h.Notify(context.Background(), "analysis done"))

	select {
	case frame := <-sub.C():
		require.Equal(t, EventMessage, frame.Kind)
		require.Equal(t, "analysis done", frame.Payload["text"])
	case <-time.After(time.Second):
		t.Fatal("expected a frame")
	}
}

func TestHubSessionIsolation(t *testing.T) {
	h := New(nil)
	subA := h.JoinSession("session-a")
	subB := h.JoinSession("session-b")
	defer subA.Close()
	defer subB.Close()

	h.PushSession("session-a", EventThinking, map[string]any{"step": 1})

	select {
	case frame := <-subA.C():
		require.Equal(t, EventThinking, frame.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a frame on session-a")
	}

	select {
	case <-subB.C():
		t.Fatal("session-b should not receive session-a's frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil)
	sub := h.JoinRoom("room1")
	sub.Close()

	// Give the unregister goroutine a moment, then publishing must not panic.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Broadcast(context.Background(), "room1", map[string]any{}))

	// The closed subscriber's channel is closed and carries no frame.
	_, open := <-sub.C()
	require.False(t, open)
}

func TestHubSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	h := New(nil)
	sub := h.JoinRoom("room2")
	defer sub.Close()

	for i := 0; i < 64; i++ {
		h.PushRoom("room2", EventAgentEvent, map[string]any{"i": i})
	}
	// Must return promptly; a blocking publish would hang the test.
}

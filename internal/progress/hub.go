// Package progress implements the broadcast hub behind the control
// surface's streaming push (spec §6.3): per-session event push plus the
// well-known `background_tasks` room the analysis worker reports
// progress into (spec §4.9 step 6). Grounded on the teacher's
// internal/gateway broadcast/stream-manager pattern (fan-out to
// registered subscribers, one hub owned by the application root) adapted
// from per-message streaming to room/session pub/sub.
package progress

import (
	"context"
	"log/slog"
	"sync"
)

// BackgroundTasksRoom is the well-known room analysis-worker progress
// broadcasts into (spec §4.9 step 6, §6.3).
const BackgroundTasksRoom = "background_tasks"

// Event kinds recognized by the streaming push surface (spec §6.3).
const (
	EventThinking      = "thinking"
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventMessage       = "message"
	EventSkillLoaded   = "skill_loaded"
	EventSkillUnloaded = "skill_unloaded"
	EventSessionEnded  = "session_ended"
	EventError         = "error"
	EventAgentEvent    = "agent_event"
)

// Frame is one pushed event, addressed either to a session id or to a
// named room (spec §6.3 "Consumers join by session id or by the
// well-known background_tasks room").
type Frame struct {
	Room    string         `json:"room,omitempty"`
	Session string         `json:"session,omitempty"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Subscriber receives frames for the room/session it joined. Delivery is
// best-effort and non-blocking: a slow subscriber drops frames rather
// than stalling the broadcaster (mirrors the teacher's stream-manager
// throttle-and-continue behavior).
type Subscriber struct {
	ch     chan Frame
	closed chan struct{}
	once   sync.Once
}

// C returns the channel frames are delivered on.
func (s *Subscriber) C() <-chan Frame { return s.ch }

// Close unregisters the subscriber's delivery channel. Safe to call more
// than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub fans pushed events out to subscribers joined on a room or session
// id. One Hub is typically owned by the application root (spec §9).
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]map[*Subscriber]struct{}
	sessions map[string]map[*Subscriber]struct{}
}

// New creates a Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "progress")
	}
	return &Hub{
		logger:   logger,
		rooms:    make(map[string]map[*Subscriber]struct{}),
		sessions: make(map[string]map[*Subscriber]struct{}),
	}
}

// JoinRoom registers a subscriber for a named room (e.g. BackgroundTasksRoom).
func (h *Hub) JoinRoom(room string) *Subscriber {
	return h.join(h.rooms, room)
}

// JoinSession registers a subscriber for one session id's push events.
func (h *Hub) JoinSession(sessionID string) *Subscriber {
	return h.join(h.sessions, sessionID)
}

func (h *Hub) join(set map[string]map[*Subscriber]struct{}, key string) *Subscriber {
	sub := &Subscriber{ch: make(chan Frame, 32), closed: make(chan struct{})}
	h.mu.Lock()
	if set[key] == nil {
		set[key] = make(map[*Subscriber]struct{})
	}
	set[key][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-sub.closed
		h.mu.Lock()
		delete(set[key], sub)
		if len(set[key]) == 0 {
			delete(set, key)
		}
		h.mu.Unlock()
		close(sub.ch)
	}()
	return sub
}

// Broadcast pushes payload as a room-addressed frame of the generic
// agent_event kind. Satisfies internal/analysis.Broadcaster, so the
// analysis worker can push progress without importing this package's
// richer API (spec §4.9 step 6).
func (h *Hub) Broadcast(ctx context.Context, room string, payload map[string]any) error {
	h.publish(h.rooms, room, Frame{Room: room, Kind: EventAgentEvent, Payload: payload})
	return nil
}

// Notify satisfies internal/analysis.Notifier by forwarding a
// human-readable message into the background-tasks room as a message
// frame (spec §4.9 step 6, "optionally to a notification channel").
func (h *Hub) Notify(ctx context.Context, message string) error {
	h.publish(h.rooms, BackgroundTasksRoom, Frame{
		Room:    BackgroundTasksRoom,
		Kind:    EventMessage,
		Payload: map[string]any{"text": message},
	})
	return nil
}

// PushSession delivers a session-scoped event (spec §6.3 streaming
// surface kinds) to every subscriber joined on that session id.
func (h *Hub) PushSession(sessionID, kind string, payload map[string]any) {
	h.publish(h.sessions, sessionID, Frame{Session: sessionID, Kind: kind, Payload: payload})
}

// PushRoom delivers an arbitrary-kind event to a named room.
func (h *Hub) PushRoom(room, kind string, payload map[string]any) {
	h.publish(h.rooms, room, Frame{Room: room, Kind: kind, Payload: payload})
}

func (h *Hub) publish(set map[string]map[*Subscriber]struct{}, key string, frame Frame) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(set[key]))
	for s := range set[key] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- frame:
		default:
			h.logger.Warn("progress subscriber slow, dropping frame", "key", key, "kind", frame.Kind)
		}
	}
}

// Package eventbus implements the priority event bus: publish with
// durable logging, in-process pub/sub fan-out, replay, and stats (spec
// §4.1). Priority is carried as metadata only — the bus itself never
// reorders fan-out; priority is consumed downstream by the lock manager
// and runtime.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qaforge/orchestrator-core/internal/eventbus/transport"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
)

// ErrStorageUnavailable is returned by Publish when the durable log write
// fails (spec §4.1 failure model).
var ErrStorageUnavailable = errors.New("eventbus: storage unavailable")

// Handler processes a delivered event. Handlers must be idempotent with
// respect to event id; delivery is at-least-once (spec §4.1).
type Handler func(ctx context.Context, ev eventtypes.Event)

// Subscription controls whether a subscriber wants events serialized
// (spec §5 "Ordering guarantees" — only subscribers that declare serial
// handling get publish-order delivery).
type Subscription struct {
	EventType string
	Handler   Handler
	Serial    bool
}

type subscriber struct {
	token string
	sub   Subscription
	// queue and once-running guard enforce serial delivery per subscriber.
	mu      sync.Mutex
	running bool
	queue   []eventtypes.Event
}

// Stats reports bus-level counters (spec §4.1 `stats()`).
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerPanics uint64
	TransportFail uint64
}

// Bus is the process-local event bus. One Bus instance is typically
// owned by the application root (spec §9 "encapsulate behind small
// initialize-once objects").
type Bus struct {
	logger *slog.Logger
	store  storage.EventStore
	trans  transport.Transport

	mu          sync.RWMutex
	subscribers map[string][]*subscriber // keyed by event type
	tokenIndex  map[string]string        // token -> event type, for unsubscribe

	seq uint64

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerPanics atomic.Uint64
	transportFail atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTransport sets the external pub/sub relay. Defaults to a no-op
// transport if never set.
func WithTransport(t transport.Transport) Option {
	return func(b *Bus) {
		if t != nil {
			b.trans = t
		}
	}
}

// New creates a Bus backed by the given durable event store.
func New(store storage.EventStore, opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default().With("component", "eventbus"),
		store:       store,
		trans:       transport.NopTransport{},
		subscribers: make(map[string][]*subscriber),
		tokenIndex:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish persists ev, then fans it out to in-process subscribers and
// relays it over the external transport. Persistence happens before
// fan-out so post-crash replay is possible (spec §4.1 "persist-then-fanout").
func (b *Bus) Publish(ctx context.Context, ev eventtypes.Event) (eventtypes.Event, error) {
	if ev.ID == "" || ev.OriginAt.IsZero() {
		fresh := eventtypes.New(ev.Type, ev.Payload, ev.Priority)
		if ev.ID != "" {
			fresh.ID = ev.ID
		}
		ev = fresh
	}
	if err := b.store.Append(ctx, ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	b.published.Add(1)

	b.fanout(ctx, ev)

	if err := b.trans.Relay(ctx, ev); err != nil {
		b.transportFail.Add(1)
		b.logger.Warn("transport relay failed, in-process delivery already completed", "event_id", ev.ID, "error", err)
	}
	return ev, nil
}

func (b *Bus) fanout(ctx context.Context, ev eventtypes.Event) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		if sub.sub.Serial {
			b.deliverSerial(ctx, sub, ev)
			continue
		}
		go b.deliverOne(ctx, sub.sub.Handler, ev)
	}
}

// deliverSerial queues ev for a subscriber that declared serial handling
// and drains the queue on a single goroutine at a time, so that events
// observed by this subscriber are processed in publish order (spec §5).
func (b *Bus) deliverSerial(ctx context.Context, sub *subscriber, ev eventtypes.Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	if sub.running {
		sub.mu.Unlock()
		return
	}
	sub.running = true
	sub.mu.Unlock()

	go func() {
		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.running = false
				sub.mu.Unlock()
				return
			}
			next := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			b.deliverOne(ctx, sub.sub.Handler, next)
		}
	}()
}

func (b *Bus) deliverOne(ctx context.Context, handler Handler, ev eventtypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("subscriber handler panicked", "event_id", ev.ID, "event_type", ev.Type, "panic", r)
		}
	}()
	handler(ctx, ev)
	b.delivered.Add(1)
}

// Subscribe registers handler for exact event_type matches and returns a
// token usable with Unsubscribe.
func (b *Bus) Subscribe(sub Subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	token := fmt.Sprintf("sub-%d", b.seq)
	entry := &subscriber{token: token, sub: sub}
	b.subscribers[sub.EventType] = append(b.subscribers[sub.EventType], entry)
	b.tokenIndex[token] = sub.EventType
	return token
}

// Unsubscribe removes a subscription by token.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventType, ok := b.tokenIndex[token]
	if !ok {
		return
	}
	delete(b.tokenIndex, token)

	list := b.subscribers[eventType]
	for i, s := range list {
		if s.token == token {
			b.subscribers[eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Replay returns persisted events since the given time, optionally
// filtered by type (spec §4.1 `replay(since, filter)`).
func (b *Bus) Replay(ctx context.Context, since time.Time, typeFilter string) ([]eventtypes.Event, error) {
	return b.store.Replay(ctx, since, typeFilter)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		TransportFail: b.transportFail.Load(),
	}
}

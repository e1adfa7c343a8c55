// Package transport provides the external pub/sub relay used by the
// event bus to let other runtime processes observe publishes (spec
// §4.1 "also relay over an external pub/sub transport"). The bus treats
// this transport as lossy (spec §9): the persisted event log, not the
// transport, is the source of truth for replay.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

// Transport relays published events to out-of-process observers.
type Transport interface {
	Relay(ctx context.Context, ev eventtypes.Event) error
	Close() error
}

// NopTransport discards everything; used in tests and single-process
// deployments where no other runtime process needs to observe publishes.
type NopTransport struct{}

func (NopTransport) Relay(context.Context, eventtypes.Event) error { return nil }
func (NopTransport) Close() error                                  { return nil }

// RedisTransport publishes events on a channel named "<base>.<event-type>",
// so subscribers in other processes can pattern-subscribe.
type RedisTransport struct {
	client     *redis.Client
	channel    string
	logger     *slog.Logger
	maxRetries int
	retryWait  time.Duration
}

// Option configures a RedisTransport.
type Option func(*RedisTransport)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *RedisTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRetry configures the bounded backoff retry budget used when Relay
// fails (spec §4.1 "transport is retried with bounded backoff").
func WithRetry(maxRetries int, wait time.Duration) Option {
	return func(t *RedisTransport) {
		if maxRetries >= 0 {
			t.maxRetries = maxRetries
		}
		if wait > 0 {
			t.retryWait = wait
		}
	}
}

// NewRedisTransport creates a transport publishing on the given base
// channel (events are published to "<channel>.<event-type>").
func NewRedisTransport(client *redis.Client, channel string, opts ...Option) *RedisTransport {
	t := &RedisTransport{
		client:     client,
		channel:    channel,
		logger:     slog.Default().With("component", "eventbus.transport"),
		maxRetries: 3,
		retryWait:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Relay publishes ev to Redis, retrying transient failures with bounded
// linear backoff. Persistence has already succeeded by the time Relay is
// called (persist-then-fanout, spec §4.1), so a Relay failure never
// blocks in-process delivery; the caller only logs it.
func (t *RedisTransport) Relay(ctx context.Context, ev eventtypes.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: marshal event: %w", err)
	}
	channel := fmt.Sprintf("%s.%s", t.channel, ev.Type)

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.retryWait * time.Duration(attempt)):
			}
		}
		if err := t.client.Publish(ctx, channel, body).Err(); err != nil {
			lastErr = err
			t.logger.Warn("relay attempt failed", "event_id", ev.ID, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("transport: relay exhausted retries: %w", lastErr)
}

// Close releases the underlying Redis client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// Package router implements event routing: resolving eligible agents for
// an incoming event and dispatching it to a target instance, with
// back-pressure for on-demand vs continuous agents (spec §4.5).
// Grounded on the teacher's internal/multiagent.Router (priority-sorted
// rule matching), adapted from message-handoff routing to event-trigger
// routing, plus spec §5 back-pressure semantics the teacher's router
// does not need (it routes within one active session, not across a
// fleet of instances).
package router

import (
	"context"
	"log/slog"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

// Dispatcher is the subset of the runtime the router depends on: given an
// agent, find or start a target instance and enqueue a task on it (spec
// §4.5 step 2-3). Returning (false, nil) means "at capacity, no instance
// available right now" — the router applies the agent's back-pressure
// policy in that case.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, def registry.AgentDefinition, ev eventtypes.Event) (dispatched bool, err error)
}

// Router matches incoming events to registered agents and dispatches.
type Router struct {
	logger *slog.Logger
	reg    *registry.Registry
	bus    *eventbus.Bus
	runner Dispatcher

	matched   telemetry.Counter
	unmatched telemetry.Counter
}

// New creates a Router. telemetry is optional; a nil Telemetry.Registry
// disables counters.
func New(reg *registry.Registry, bus *eventbus.Bus, runner Dispatcher, tel telemetry.Telemetry) *Router {
	r := &Router{
		logger: tel.Logger,
		reg:    reg,
		bus:    bus,
		runner: runner,
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "router")
	}
	if tel.Registry != nil {
		r.matched = telemetry.NewCounter(tel.Registry, "orchestrator_router_matched_total", "events matched to at least one agent", "event_type")
		r.unmatched = telemetry.NewCounter(tel.Registry, "orchestrator_router_unmatched_total", "events matched to zero agents", "event_type")
	}
	return r
}

// Route resolves eligible agents for ev and dispatches to each (spec
// §4.5). If no agent matches, it publishes event.unhandled.
func (r *Router) Route(ctx context.Context, ev eventtypes.Event) error {
	candidates := r.reg.ResolveForEvent(ctx, ev.Type, ev.Payload)
	if len(candidates) == 0 {
		if r.unmatched.IsSet() {
			r.unmatched.Inc(ev.Type)
		}
		return r.emitUnhandled(ctx, ev)
	}
	if r.matched.IsSet() {
		r.matched.Inc(ev.Type)
	}

	for _, def := range candidates {
		dispatched, err := r.runner.DispatchEvent(ctx, def, ev)
		if err != nil {
			r.logger.Error("dispatch failed", "agent_id", def.ID(), "event_id", ev.ID, "error", err)
			continue
		}
		if dispatched {
			continue
		}
		r.handleBackpressure(ctx, def, ev)
	}
	return nil
}

// handleBackpressure applies spec §4.5's over-capacity policy when the
// runtime did not accept the event: on-demand agents drop it with
// event.unhandled; for continuous agents the event is dropped with no
// further action here. An agent configured with buffer_on_over_capacity
// never reaches this point for a full queue: the runtime drops its oldest
// queued entry and accepts the new one.
func (r *Router) handleBackpressure(ctx context.Context, def registry.AgentDefinition, ev eventtypes.Event) {
	if def.Goal == registry.GoalOnDemand {
		if err := r.emitUnhandled(ctx, ev); err != nil {
			r.logger.Error("failed to emit event.unhandled for over-capacity on-demand agent", "agent_id", def.ID(), "error", err)
		}
	}
}

func (r *Router) emitUnhandled(ctx context.Context, ev eventtypes.Event) error {
	unhandled := eventtypes.New(eventtypes.TypeEventUnhandled, map[string]any{
		"original_event_id":   ev.ID,
		"original_event_type": ev.Type,
	}, ev.Priority)
	_, err := r.bus.Publish(ctx, unhandled)
	return err
}

// SubscribeTriggers wires Route as the bus handler for every event type
// named, deduplicating repeats. The bus fans events out by exact
// event_type (spec §4.1), so the application root calls this once at
// startup with every event type any registered agent declares as a
// trigger (registry.Registry.TriggerEventTypes), and again whenever a
// new trigger type is registered, to keep the router reachable for it.
func (r *Router) SubscribeTriggers(eventTypes []string) []string {
	seen := make(map[string]bool, len(eventTypes))
	var tokens []string
	for _, t := range eventTypes {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		token := r.bus.Subscribe(eventbus.Subscription{
			EventType: t,
			Handler: func(ctx context.Context, ev eventtypes.Event) {
				if err := r.Route(ctx, ev); err != nil {
					r.logger.Error("route failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
				}
			},
		})
		tokens = append(tokens, token)
	}
	return tokens
}

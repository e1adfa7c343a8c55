// Package schedsource's Source type is grounded on the teacher's
// internal/cron.Scheduler: a ticker-driven loop over a slice of parsed
// schedules, Start/Stop via sync.WaitGroup, and skip-with-warn on a bad
// schedule at construction time rather than failing the whole source.
package schedsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

// cronParser accepts the standard five-field expression plus the
// optional leading seconds field and the named descriptors (@hourly,
// @every 5m, ...), mirroring the teacher's parser configuration.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleDef configures one cron-driven event source (spec §4.10
// "accepts cron expressions; at each firing emits an event with a fixed
// type and payload").
type ScheduleDef struct {
	ID        string
	CronExpr  string
	EventType string
	Payload   map[string]any
	Priority  eventtypes.Priority
}

type scheduledSource struct {
	def      ScheduleDef
	schedule cron.Schedule
	nextRun  time.Time
}

// Source fires scheduled events onto an event bus.
type Source struct {
	logger       *slog.Logger
	bus          *eventbus.Bus
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	sources []*scheduledSource
	wg      sync.WaitGroup
}

// Option configures a Source.
type Option func(*Source)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often the source checks for due
// schedules.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Source) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// New parses each definition's cron expression and builds a Source.
// A definition with an invalid expression is skipped with a warning
// rather than failing the whole source, matching the teacher's
// per-job buildJob skip behavior.
func New(bus *eventbus.Bus, defs []ScheduleDef, opts ...Option) *Source {
	s := &Source{
		logger:       slog.Default().With("component", "schedsource"),
		bus:          bus,
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, def := range defs {
		sched, err := s.buildSource(def, now)
		if err != nil {
			s.logger.Warn("schedule skipped", "id", def.ID, "error", err)
			continue
		}
		s.sources = append(s.sources, sched)
	}
	return s
}

func (s *Source) buildSource(def ScheduleDef, now time.Time) (*scheduledSource, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("schedule id required")
	}
	if strings.TrimSpace(def.EventType) == "" {
		return nil, fmt.Errorf("schedule %s: event type required", def.ID)
	}
	expr := strings.TrimSpace(def.CronExpr)
	if expr == "" {
		return nil, fmt.Errorf("schedule %s: cron expression required", def.ID)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: invalid cron expression: %w", def.ID, err)
	}
	return &scheduledSource{def: def, schedule: schedule, nextRun: schedule.Next(now)}, nil
}

// Start begins firing due schedules until ctx is cancelled.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the firing loop to exit.
func (s *Source) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every currently-due schedule immediately, primarily for
// tests, and returns the number fired.
func (s *Source) RunOnce(ctx context.Context) int {
	return s.fireDue(ctx)
}

func (s *Source) fireDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*scheduledSource, 0, len(s.sources))
	for _, src := range s.sources {
		if !now.Before(src.nextRun) {
			due = append(due, src)
		}
	}
	s.mu.Unlock()

	count := 0
	for _, src := range due {
		ev := eventtypes.New(src.def.EventType, src.def.Payload, src.def.Priority)
		if _, err := s.bus.Publish(ctx, ev); err != nil {
			s.logger.Warn("scheduled event publish failed", "id", src.def.ID, "error", err)
		} else {
			count++
		}
		// Missed fires are not replayed: the next run is computed from
		// "now", not from the schedule's own missed tick, so a gap that
		// spans several due ticks fires the schedule once and skips the
		// rest (spec §4.10, doc.go).
		s.mu.Lock()
		src.nextRun = src.schedule.Next(now)
		s.mu.Unlock()
	}
	return count
}

// Definitions returns a snapshot of the configured schedules, for
// status/introspection.
func (s *Source) Definitions() []ScheduleDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleDef, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.def)
	}
	return out
}

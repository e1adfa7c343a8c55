// Package reslock implements the resource lock manager: acquire/release
// with priority-ordered wait-queues, expiration sweeping, and status
// queries (spec §4.2). Devices are the sole contested resource the core
// arbitrates (spec §5).
package reslock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
)

// AcquireStatus is the outcome of an Acquire call.
type AcquireStatus string

const (
	StatusAcquired AcquireStatus = "acquired"
	StatusQueued   AcquireStatus = "queued"
	StatusTimedOut AcquireStatus = "timed_out"
)

// AcquireResult is returned by Acquire.
type AcquireResult struct {
	Status   AcquireStatus
	Position int // 1-based queue position, valid when Status == StatusQueued
}

// LockStatus is returned by Status.
type LockStatus struct {
	Held    bool
	Lock    storage.LockRow
	Waiters []storage.WaiterRow
}

// Manager arbitrates exclusive access to named resources. One Manager is
// typically owned by the application root (spec §9).
type Manager struct {
	logger *slog.Logger
	store  storage.LockStore
	bus    *eventbus.Bus
	now    func() time.Time

	sweepInterval time.Duration

	// mu serializes acquire/release per process; the store itself is
	// expected to provide the authoritative compare-and-set semantics
	// spec §4.2 requires ("serializable per-resource transaction or
	// equivalent compare-and-set"). The in-memory store used in tests
	// relies on this mutex for that guarantee.
	mu sync.Mutex

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepInterval overrides the default 30s sweeper cadence (spec §4.2).
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// New creates a Manager backed by store, publishing lifecycle events on bus.
func New(store storage.LockStore, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		logger:        slog.Default().With("component", "reslock"),
		store:         store,
		bus:           bus,
		now:           time.Now,
		sweepInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire implements the spec §4.2 acquire algorithm.
func (m *Manager) Acquire(ctx context.Context, resourceID, resourceKind, ownerID, ownerKind string, priority eventtypes.Priority, waitTimeout time.Duration) (AcquireResult, error) {
	if !priority.Valid() {
		return AcquireResult{}, ErrInvalidPriority
	}

	m.mu.Lock()
	result, err := m.tryAcquireOrQueue(ctx, resourceID, resourceKind, ownerID, ownerKind, priority)
	m.mu.Unlock()
	if err != nil {
		return AcquireResult{}, err
	}
	if result.Status == StatusAcquired || waitTimeout <= 0 {
		return result, nil
	}

	// Queued with a caller-supplied wait timeout: poll for promotion or
	// expire the wait (spec §4.2 failure model — waiters don't time out
	// implicitly, only callers that asked for a wait timeout do).
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.removeWaiter(ctx, resourceID, ownerID)
			return AcquireResult{}, ctx.Err()
		case <-deadline.C:
			m.removeWaiter(ctx, resourceID, ownerID)
			return AcquireResult{Status: StatusTimedOut}, ErrTimedOut
		case <-ticker.C:
			row, held, err := m.store.GetLock(ctx, resourceID)
			if err != nil {
				return AcquireResult{}, fmt.Errorf("reslock: check lock: %w", err)
			}
			if held && row.OwnerID == ownerID {
				return AcquireResult{Status: StatusAcquired}, nil
			}
		}
	}
}

func (m *Manager) tryAcquireOrQueue(ctx context.Context, resourceID, resourceKind, ownerID, ownerKind string, priority eventtypes.Priority) (AcquireResult, error) {
	row, held, err := m.store.GetLock(ctx, resourceID)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("reslock: get lock: %w", err)
	}

	now := m.now()
	if held && row.ExpiresAt.Before(now) {
		// Reap-then-acquire: expired lock is treated as unowned.
		if err := m.store.DeleteLock(ctx, resourceID); err != nil {
			return AcquireResult{}, fmt.Errorf("reslock: reap expired lock: %w", err)
		}
		m.publish(ctx, eventtypes.TypeResourceReaped, resourceID, row.OwnerID)
		held = false
	}

	if !held {
		newRow := storage.LockRow{
			ResourceID:   resourceID,
			ResourceKind: resourceKind,
			OwnerID:      ownerID,
			OwnerKind:    ownerKind,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(defaultLeaseFor(priority)),
			Priority:     priority,
		}
		if err := m.store.PutLock(ctx, newRow); err != nil {
			return AcquireResult{}, fmt.Errorf("reslock: put lock: %w", err)
		}
		m.publish(ctx, eventtypes.TypeResourceAcquired, resourceID, ownerID)
		return AcquireResult{Status: StatusAcquired}, nil
	}

	if row.OwnerID == ownerID {
		// Re-acquire by the same owner extends the lease.
		row.ExpiresAt = now.Add(defaultLeaseFor(priority))
		if err := m.store.PutLock(ctx, row); err != nil {
			return AcquireResult{}, fmt.Errorf("reslock: extend lock: %w", err)
		}
		return AcquireResult{Status: StatusAcquired}, nil
	}

	waiter := storage.WaiterRow{
		ResourceID: resourceID,
		OwnerID:    ownerID,
		Priority:   priority,
		QueuedAt:   now,
	}
	if err := m.store.EnqueueWaiter(ctx, waiter); err != nil {
		return AcquireResult{}, fmt.Errorf("reslock: enqueue waiter: %w", err)
	}
	position, err := m.positionOf(ctx, resourceID, ownerID)
	if err != nil {
		return AcquireResult{}, err
	}
	m.publish(ctx, eventtypes.TypeResourceQueued, resourceID, ownerID)
	return AcquireResult{Status: StatusQueued, Position: position}, nil
}

func (m *Manager) positionOf(ctx context.Context, resourceID, ownerID string) (int, error) {
	waiters, err := m.store.ListWaiters(ctx, resourceID)
	if err != nil {
		return 0, fmt.Errorf("reslock: list waiters: %w", err)
	}
	for i, w := range waiters {
		if w.OwnerID == ownerID {
			return i + 1, nil
		}
	}
	return len(waiters), nil
}

func (m *Manager) removeWaiter(ctx context.Context, resourceID, ownerID string) {
	if err := m.store.DequeueWaiter(ctx, resourceID, ownerID); err != nil {
		m.logger.Warn("failed to remove waiter after timeout", "resource_id", resourceID, "owner_id", ownerID, "error", err)
	}
}

// Release implements the spec §4.2 release algorithm: verify ownership,
// delete the lock, promote the next priority-ordered waiter, and emit
// the corresponding lifecycle events.
func (m *Manager) Release(ctx context.Context, resourceID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, held, err := m.store.GetLock(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("reslock: get lock: %w", err)
	}
	if !held || row.OwnerID != ownerID {
		return ErrNotOwner
	}

	if err := m.store.DeleteLock(ctx, resourceID); err != nil {
		return fmt.Errorf("reslock: delete lock: %w", err)
	}

	waiters, err := m.store.ListWaiters(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("reslock: list waiters: %w", err)
	}
	if len(waiters) > 0 {
		next := waiters[0]
		if err := m.store.DequeueWaiter(ctx, resourceID, next.OwnerID); err != nil {
			return fmt.Errorf("reslock: dequeue waiter: %w", err)
		}
		promoted := storage.LockRow{
			ResourceID:   resourceID,
			ResourceKind: row.ResourceKind,
			OwnerID:      next.OwnerID,
			OwnerKind:    "agent-instance",
			AcquiredAt:   m.now(),
			ExpiresAt:    m.now().Add(defaultLeaseFor(next.Priority)),
			Priority:     next.Priority,
		}
		if err := m.store.PutLock(ctx, promoted); err != nil {
			return fmt.Errorf("reslock: promote waiter: %w", err)
		}
		m.publish(ctx, eventtypes.TypeResourceAcquired, resourceID, next.OwnerID)
	}

	m.publish(ctx, eventtypes.TypeResourceReleased, resourceID, ownerID)
	return nil
}

// Status reports whether resourceID is currently held and its waiters,
// ordered by (priority asc, queued-at asc).
func (m *Manager) Status(ctx context.Context, resourceID string) (LockStatus, error) {
	row, held, err := m.store.GetLock(ctx, resourceID)
	if err != nil {
		return LockStatus{}, fmt.Errorf("reslock: get lock: %w", err)
	}
	waiters, err := m.store.ListWaiters(ctx, resourceID)
	if err != nil {
		return LockStatus{}, fmt.Errorf("reslock: list waiters: %w", err)
	}
	return LockStatus{Held: held, Lock: row, Waiters: waiters}, nil
}

// Start runs the background sweeper until ctx is cancelled (spec §4.2
// "runs every 30s; reaps expired locks by synthesizing a release for
// each").
func (m *Manager) Start(ctx context.Context) {
	m.stopSweep = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	if m.stopSweep != nil {
		close(m.stopSweep)
	}
	m.wg.Wait()
}

// ReleaseAllOwnedBy releases every live lock currently held by ownerID.
// Used by the runtime when an instance stops or a task is cancelled
// (spec §5 "held locks are released").
func (m *Manager) ReleaseAllOwnedBy(ctx context.Context, ownerID string) error {
	locks, err := m.store.ListLocks(ctx)
	if err != nil {
		return fmt.Errorf("reslock: list locks: %w", err)
	}
	for _, row := range locks {
		if row.OwnerID != ownerID {
			continue
		}
		if err := m.Release(ctx, row.ResourceID, ownerID); err != nil && err != ErrNotOwner {
			return fmt.Errorf("reslock: release %s: %w", row.ResourceID, err)
		}
	}
	return nil
}

func (m *Manager) sweepOnce(ctx context.Context) {
	locks, err := m.store.ListLocks(ctx)
	if err != nil {
		m.logger.Error("sweeper: list locks failed", "error", err)
		return
	}
	now := m.now()
	for _, row := range locks {
		if row.ExpiresAt.After(now) {
			continue
		}
		if err := m.Release(ctx, row.ResourceID, row.OwnerID); err != nil && err != ErrNotOwner {
			m.logger.Error("sweeper: release expired lock failed", "resource_id", row.ResourceID, "error", err)
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType, resourceID, ownerID string) {
	if m.bus == nil {
		return
	}
	ev := eventtypes.New(eventType, map[string]any{
		"resource_id": resourceID,
		"owner_id":    ownerID,
	}, eventtypes.PriorityNormal)
	if _, err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish lock event", "event_type", eventType, "error", err)
	}
}

// defaultLeaseFor returns the lease duration granted on acquire before the
// sweeper would reclaim it absent an explicit release. Higher priority
// owners get a shorter default lease so contested critical-priority
// resources don't stay wedged behind a silently-dead holder as long.
func defaultLeaseFor(priority eventtypes.Priority) time.Duration {
	switch priority {
	case eventtypes.PriorityCritical:
		return 2 * time.Minute
	case eventtypes.PriorityHigh:
		return 5 * time.Minute
	case eventtypes.PriorityLow:
		return 15 * time.Minute
	default:
		return 10 * time.Minute
	}
}

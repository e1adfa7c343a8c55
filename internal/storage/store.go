// Package storage defines the persistence adapter contract used by the
// event bus, lock manager, registry, and analysis worker (spec §6.4), and
// provides an in-memory implementation suitable for tests and the
// MemoryStore development mode. The pgx-backed implementation lives in
// internal/storage/pg.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("storage: not found")

// LockRow mirrors the ResourceLock entity (spec §3).
type LockRow struct {
	ResourceID   string
	ResourceKind string
	OwnerID      string
	OwnerKind    string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Priority     eventtypes.Priority
}

// WaiterRow mirrors the LockWaiter entity (spec §3).
type WaiterRow struct {
	ResourceID string
	OwnerID    string
	Priority   eventtypes.Priority
	QueuedAt   time.Time
	Timeout    time.Duration
}

// EventStore is the append-only event log (spec §6.4 "Event log").
type EventStore interface {
	Append(ctx context.Context, ev eventtypes.Event) error
	Replay(ctx context.Context, since time.Time, typeFilter string) ([]eventtypes.Event, error)
	Get(ctx context.Context, id string) (eventtypes.Event, error)
}

// LockStore persists lock rows and waiter rows (spec §6.4 "Resource locks").
type LockStore interface {
	GetLock(ctx context.Context, resourceID string) (LockRow, bool, error)
	PutLock(ctx context.Context, row LockRow) error
	DeleteLock(ctx context.Context, resourceID string) error
	ListLocks(ctx context.Context) ([]LockRow, error)

	EnqueueWaiter(ctx context.Context, row WaiterRow) error
	DequeueWaiter(ctx context.Context, resourceID, ownerID string) error
	ListWaiters(ctx context.Context, resourceID string) ([]WaiterRow, error)
}

// MemoryStore is a thread-safe in-memory implementation of EventStore and
// LockStore, modeled on the teacher's internal/jobs.MemoryStore: ordered
// keys plus a map, guarded by a single RWMutex, with clone-on-read/write
// to keep callers from mutating internal state.
type MemoryStore struct {
	mu sync.RWMutex

	events    map[string]eventtypes.Event
	eventKeys []string

	locks   map[string]LockRow
	waiters map[string][]WaiterRow

	analysisTasks   map[string]AnalysisTaskRow
	analysisKeys    []string
	classifications map[string]ClassificationRecord

	instances     map[string]InstanceRow
	executions    map[string]ExecutionRow
	executionKeys []string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:          make(map[string]eventtypes.Event),
		locks:           make(map[string]LockRow),
		waiters:         make(map[string][]WaiterRow),
		analysisTasks:   make(map[string]AnalysisTaskRow),
		classifications: make(map[string]ClassificationRecord),
		instances:       make(map[string]InstanceRow),
		executions:      make(map[string]ExecutionRow),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev eventtypes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; !exists {
		s.eventKeys = append(s.eventKeys, ev.ID)
	}
	s.events[ev.ID] = ev
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (eventtypes.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return eventtypes.Event{}, ErrNotFound
	}
	return ev, nil
}

func (s *MemoryStore) Replay(ctx context.Context, since time.Time, typeFilter string) ([]eventtypes.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]eventtypes.Event, 0, len(s.eventKeys))
	for _, id := range s.eventKeys {
		ev := s.events[id]
		if ev.OriginAt.Before(since) {
			continue
		}
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginAt.Before(out[j].OriginAt) })
	return out, nil
}

func (s *MemoryStore) GetLock(ctx context.Context, resourceID string) (LockRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.locks[resourceID]
	return row, ok, nil
}

func (s *MemoryStore) PutLock(ctx context.Context, row LockRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[row.ResourceID] = row
	return nil
}

func (s *MemoryStore) DeleteLock(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, resourceID)
	return nil
}

func (s *MemoryStore) ListLocks(ctx context.Context) ([]LockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LockRow, 0, len(s.locks))
	for _, row := range s.locks {
		out = append(out, row)
	}
	return out, nil
}

func (s *MemoryStore) EnqueueWaiter(ctx context.Context, row WaiterRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[row.ResourceID] = append(s.waiters[row.ResourceID], row)
	sortWaiters(s.waiters[row.ResourceID])
	return nil
}

func (s *MemoryStore) DequeueWaiter(ctx context.Context, resourceID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[resourceID]
	for i, w := range list {
		if w.OwnerID == ownerID {
			s.waiters[resourceID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListWaiters(ctx context.Context, resourceID string) ([]WaiterRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]WaiterRow, len(s.waiters[resourceID]))
	copy(list, s.waiters[resourceID])
	return list, nil
}

// AnalysisTaskRow mirrors the AnalysisTask entity (spec §3 AnalysisTask):
// a completion signal queued for the analysis worker.
type AnalysisTaskRow struct {
	ID             string
	Queue          string
	ScriptResultID string
	ScriptName     string
	ReportURL      string
	LogsURL        string
	Success        bool
	EnqueuedAt     time.Time
	Attempt        int
	// VisibleAt implements the dequeue-with-visibility-timeout contract
	// (spec §4.9 step 1): a dequeued task is hidden from further Dequeue
	// calls until this time, so a crashed handler's task naturally
	// reappears for retry without an explicit requeue.
	VisibleAt time.Time
}

// ClassificationRecord is the persisted result of one analysis (spec §4.9
// step 5 "persist the classification keyed by the original execution id").
type ClassificationRecord struct {
	ScriptResultID string
	Classification string
	Discard        bool
	ClassifiedAt   time.Time
}

// AnalysisQueueStore persists analysis tasks and their classifications
// (spec §6.4 "analysis queue").
type AnalysisQueueStore interface {
	Enqueue(ctx context.Context, task AnalysisTaskRow) error
	// Dequeue returns the oldest currently-visible task in queue, marking
	// it invisible for visibilityTimeout and incrementing its attempt
	// count. Returns ok=false when nothing is currently visible.
	Dequeue(ctx context.Context, queue string, visibilityTimeout time.Duration) (AnalysisTaskRow, bool, error)
	// Ack permanently removes a task (spec §4.9 step 5 "removed from queue").
	Ack(ctx context.Context, id string) error
	// Requeue makes a task immediately visible again without waiting out
	// its visibility timeout, for a handler that detects its own
	// transient failure rather than crashing outright.
	Requeue(ctx context.Context, id string) error
	SaveClassification(ctx context.Context, rec ClassificationRecord) error
}

func (s *MemoryStore) Enqueue(ctx context.Context, task AnalysisTaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.analysisTasks[task.ID]; !exists {
		s.analysisKeys = append(s.analysisKeys, task.ID)
	}
	s.analysisTasks[task.ID] = task
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, queue string, visibilityTimeout time.Duration) (AnalysisTaskRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range s.analysisKeys {
		row, ok := s.analysisTasks[id]
		if !ok || row.Queue != queue {
			continue
		}
		if row.VisibleAt.After(now) {
			continue
		}
		row.Attempt++
		row.VisibleAt = now.Add(visibilityTimeout)
		s.analysisTasks[id] = row
		return row, true, nil
	}
	return AnalysisTaskRow{}, false, nil
}

func (s *MemoryStore) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.analysisTasks, id)
	for i, k := range s.analysisKeys {
		if k == id {
			s.analysisKeys = append(s.analysisKeys[:i], s.analysisKeys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.analysisTasks[id]
	if !ok {
		return nil
	}
	row.VisibleAt = time.Time{}
	s.analysisTasks[id] = row
	return nil
}

func (s *MemoryStore) SaveClassification(ctx context.Context, rec ClassificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications[rec.ScriptResultID] = rec
	return nil
}

// GetClassification returns a persisted classification, for tests and
// diagnostics.
func (s *MemoryStore) GetClassification(scriptResultID string) (ClassificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.classifications[scriptResultID]
	return rec, ok
}

// InstanceRow mirrors one AgentInstance record (spec §6.4 "Instances and
// history: one row per instance").
type InstanceRow struct {
	InstanceID    string
	AgentID       string
	Version       string
	State         string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// ExecutionRow is one execution-history row per task, carrying the
// token/cost/timing fields named in spec §6.4.
type ExecutionRow struct {
	TaskID         string
	InstanceID     string
	AgentID        string
	TriggerEventID string
	State          string
	StartedAt      time.Time
	EndedAt        time.Time
	TokensIn       int
	TokensOut      int
	CostUSD        float64
	ErrorKind      string
}

// HistoryStore persists instance records and per-task execution history
// (spec §6.4 "Instances and history"). The runtime treats a failed write
// here as fatal to the instance (spec §5 "Failure isolation").
type HistoryStore interface {
	SaveInstance(ctx context.Context, row InstanceRow) error
	SaveExecution(ctx context.Context, row ExecutionRow) error
	ListExecutions(ctx context.Context, instanceID string) ([]ExecutionRow, error)
}

func (s *MemoryStore) SaveInstance(ctx context.Context, row InstanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[row.InstanceID] = row
	return nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, row ExecutionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[row.TaskID]; !exists {
		s.executionKeys = append(s.executionKeys, row.TaskID)
	}
	s.executions[row.TaskID] = row
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, instanceID string) ([]ExecutionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionRow
	for _, id := range s.executionKeys {
		row := s.executions[id]
		if instanceID != "" && row.InstanceID != instanceID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// GetInstance returns a persisted instance row, for tests and diagnostics.
func (s *MemoryStore) GetInstance(instanceID string) (InstanceRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.instances[instanceID]
	return row, ok
}

// sortWaiters enforces the (priority asc, queued-at asc) total order
// invariant from spec §3 LockWaiter.
func sortWaiters(list []WaiterRow) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Priority.Rank(), list[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return list[i].QueuedAt.Before(list[j].QueuedAt)
	})
}

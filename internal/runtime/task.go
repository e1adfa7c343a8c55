package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

// TaskState is the lifecycle state of a Task (spec §3 Task).
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// ToolCallRecord is one (tool_name, params, result) triple appended to a
// task's tool-call log (spec §4.7 step 2c).
type ToolCallRecord struct {
	Name   string
	Params map[string]any
	Result any
	Err    string
	At     time.Time
}

// Outcome is a task's final result record (spec §3 Task "final outcome
// record").
type Outcome struct {
	Text       string
	ErrorKind  string
	Message    string
	TokensIn   int
	TokensOut  int
	EndedAt    time.Time
}

// Task is one unit of work dispatched to an instance (spec §3 Task).
type Task struct {
	ID         string
	InstanceID string

	TriggerEvent *eventtypes.Event
	UserMessage  string
	// Delegated marks a child task created by DELEGATE TO: its initial
	// history is exactly one user turn equal to UserMessage, discarding
	// the parent's history entirely (spec §4.7 step 4, §8).
	Delegated bool

	mu    sync.Mutex
	state TaskState

	StartedAt time.Time
	EndedAt   time.Time

	TokensIn  int
	TokensOut int

	ToolCallLog []ToolCallRecord
	ChildTaskID []string

	// visited guards against delegation cycles (spec §9 "detect cycles
	// during delegation with a per-task visited-set").
	visited map[string]bool

	outcome *Outcome

	cancelCh chan struct{}
	once     sync.Once
}

// NewTask creates a queued task, optionally triggered by an event (ev may
// be nil for a user-message-originated task).
func NewTask(instanceID string, ev *eventtypes.Event, userMessage string, visitedFrom map[string]bool) *Task {
	visited := make(map[string]bool, len(visitedFrom)+1)
	for k := range visitedFrom {
		visited[k] = true
	}
	return &Task{
		ID:           uuid.NewString(),
		InstanceID:   instanceID,
		TriggerEvent: ev,
		UserMessage:  userMessage,
		state:        TaskQueued,
		visited:      visited,
		cancelCh:     make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start transitions queued -> running.
func (t *Task) Start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TaskRunning
	t.StartedAt = now
}

// Cancel requests cooperative cancellation (spec §5 Cancellation): the
// current LLM turn runs to completion; the loop observes this after the
// turn and exits cleanly.
func (t *Task) Cancel() {
	t.once.Do(func() { close(t.cancelCh) })
}

// Cancelled reports whether cancellation has been requested.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Visited reports whether agentID already appears on this task's
// delegation path (spec §9 cycle detection).
func (t *Task) Visited(agentID string) bool {
	return t.visited[agentID]
}

// MarkVisited records agentID on the delegation path.
func (t *Task) MarkVisited(agentID string) {
	t.visited[agentID] = true
}

// VisitedSet returns a copy of the visited set, for passing to a child task.
func (t *Task) VisitedSet() map[string]bool {
	out := make(map[string]bool, len(t.visited))
	for k := range t.visited {
		out[k] = true
	}
	return out
}

// AppendToolCall appends one tool-call record to the log (spec §4.7 step 2c).
func (t *Task) AppendToolCall(rec ToolCallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ToolCallLog = append(t.ToolCallLog, rec)
}

// AddTokens accumulates per-turn token usage.
func (t *Task) AddTokens(in, out int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TokensIn += in
	t.TokensOut += out
}

// AddChildTask records a delegated child task id.
func (t *Task) AddChildTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ChildTaskID = append(t.ChildTaskID, id)
}

// Finish transitions the task to a terminal state and records its
// outcome (spec §8 "end-time is set and end-time >= start-time").
func (t *Task) Finish(state TaskState, now time.Time, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.EndedAt = now
	outcome.TokensIn = t.TokensIn
	outcome.TokensOut = t.TokensOut
	outcome.EndedAt = now
	t.outcome = &outcome
}

// Outcome returns the task's final outcome, if terminal.
func (t *Task) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

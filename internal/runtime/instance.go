package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qaforge/orchestrator-core/internal/resultcache"
	"github.com/qaforge/orchestrator-core/internal/skills"
)

// InstanceState is the AgentInstance lifecycle state (spec §3, §4.6).
type InstanceState string

const (
	StateIdle    InstanceState = "idle"
	StateRunning InstanceState = "running"
	StatePaused  InstanceState = "paused"
	StateError   InstanceState = "error"
	StateStopped InstanceState = "stopped"
)

// queuedWork is one pending dispatch waiting for the instance to become
// idle (spec §4.5 per-instance event queue).
type queuedWork struct {
	task *Task
}

// Instance is a running incarnation of an AgentDefinition (spec §3
// AgentInstance, §4.6 state machine).
type Instance struct {
	ID      string
	Def     AgentDef
	Cache   *resultcache.Cache
	Session *SessionContext
	Skill   skills.ActiveState

	mu             sync.Mutex
	state          InstanceState
	currentTask    *Task
	startedAt      time.Time
	lastHeartbeat  time.Time
	lastOutcome    *Outcome
	subscriptions  []string

	queue []queuedWork
}

// NewInstance creates an idle instance for def.
func NewInstance(def AgentDef) *Instance {
	inst := &Instance{
		ID:      uuid.NewString(),
		Def:     def,
		Cache:   resultcache.New(),
		Session: NewSessionContext(),
		Skill:   skills.NewRouterState(def.RouterPrompt, def.DefaultTools),
		state:   StateIdle,
	}
	now := time.Now()
	inst.startedAt = now
	inst.lastHeartbeat = now
	return inst
}

// State returns the instance's current state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Heartbeat records that the instance is alive. The task loop beats
// once per LLM turn, so Snapshot's LastHeartbeat tracks real progress
// rather than instance-creation time.
func (i *Instance) Heartbeat(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHeartbeat = now
}

// Snapshot is a read-only view of instance state for status/list
// operations (spec §4.6 `status`, `list_instances`).
type Snapshot struct {
	ID             string
	AgentID        string
	Version        string
	State          InstanceState
	CurrentTaskID  string
	StartedAt      time.Time
	LastHeartbeat  time.Time
	LastTaskOutcome *Outcome
	QueueDepth     int
}

// Snapshot returns a point-in-time view of the instance.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	var taskID string
	if i.currentTask != nil {
		taskID = i.currentTask.ID
	}
	return Snapshot{
		ID:              i.ID,
		AgentID:         i.Def.ID,
		Version:         i.Def.Version,
		State:           i.state,
		CurrentTaskID:   taskID,
		StartedAt:       i.startedAt,
		LastHeartbeat:   i.lastHeartbeat,
		LastTaskOutcome: i.lastOutcome,
		QueueDepth:      len(i.queue),
	}
}

// tryClaim atomically moves idle -> running and installs task as the
// current task, enforcing the invariant that a running instance owns
// exactly one active task (spec §8).
func (i *Instance) tryClaim(task *Task) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateIdle {
		return false
	}
	i.state = StateRunning
	i.currentTask = task
	return true
}

// finishTask returns the instance to idle and records the task outcome.
func (i *Instance) finishTask(outcome Outcome) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.currentTask = nil
	i.lastOutcome = &outcome
	if i.state == StateRunning {
		i.state = StateIdle
	}
}

// fail transitions the instance to the fatal error state (spec §4.6
// "running -> error... a fatal, non-task-scoped failure").
func (i *Instance) fail() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = StateError
}

// pause parks the instance (spec §4.6 "running -> paused").
func (i *Instance) pause() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return false
	}
	i.state = StatePaused
	return true
}

// resume continues a paused instance (spec §4.6 "paused -> running").
func (i *Instance) resume() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StatePaused {
		return false
	}
	i.state = StateRunning
	return true
}

// stop terminates the instance unconditionally (spec §4.6 "any -> stopped").
func (i *Instance) stop() *Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	task := i.currentTask
	i.state = StateStopped
	i.currentTask = nil
	return task
}

// enqueue buffers pending work for a busy instance, honoring the
// configured queue depth and the agent's buffer_on_over_capacity setting
// (spec §4.5, §5 back-pressure). Returns false if the task was dropped
// rather than buffered: the queue is full and oldest-drop is not
// configured, or the instance is errored or stopped.
func (i *Instance) enqueue(task *Task) (accepted bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Errored and stopped instances accept no further work (spec §4.6
	// "the instance becomes unusable until stopped").
	if i.state == StateError || i.state == StateStopped {
		return false
	}

	depth := i.Def.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	if len(i.queue) < depth {
		i.queue = append(i.queue, queuedWork{task: task})
		return true
	}
	if i.Def.BufferOnOverCap {
		// Continuous agents may configure oldest-drop instead of a hard
		// reject (spec §4.5 "(b) buffer with oldest-drop for continuous
		// agents (configurable)").
		i.queue = append(i.queue[1:], queuedWork{task: task})
		return true
	}
	return false
}

// dequeue pops the oldest queued work item, if any.
func (i *Instance) dequeue() (*Task, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return nil, false
	}
	work := i.queue[0]
	i.queue = i.queue[1:]
	return work.task, true
}

// addSubscription records a bus subscription token owned by this
// instance, so Stop can unsubscribe them (spec §4.6 "stopped... removes
// subscriptions").
func (i *Instance) addSubscription(token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscriptions = append(i.subscriptions, token)
}

// subscriptionTokens returns a copy of the recorded subscription tokens.
func (i *Instance) subscriptionTokens() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.subscriptions...)
}

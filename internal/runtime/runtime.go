// Package runtime implements the agent runtime: instance lifecycle, the
// per-task LLM turn loop, context memory, and delegation (spec §4.6,
// §4.7, §4.8) — the largest single component by line share (spec §2).
//
// Grounded on the teacher's internal/agent (runtime.go instance state
// machine, loop.go turn loop, compaction.go rolling summary,
// event_emitter.go/event_sink.go) and internal/multiagent (orchestrator.go
// and handoff_tool.go for delegation / clean-history child tasks).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/runtime/toolspec"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

// Filter narrows ListInstances (spec §4.6 `list_instances(filter?)`).
type Filter struct {
	AgentID string
	State   InstanceState
}

// Runtime hosts many agent instances and drives their task loops (spec
// §4.6). One Runtime is typically owned by the application root (spec §9).
type Runtime struct {
	logger *slog.Logger
	bus    *eventbus.Bus
	reg    *registry.Registry
	locks  *reslock.Manager
	llm    LLMProvider
	tools  ToolRuntime
	tel    telemetry.Telemetry
	schema *toolspec.Validator

	// tokenModel names the model used for the empty-response near-limit
	// diagnostic (spec §4.7); empty disables tiktoken lookups entirely.
	tokenModel string
	tokenLimit int

	// history receives instance rows and per-task execution rows (spec
	// §6.4 "Instances and history"); nil disables persistence. A failed
	// write after a task is fatal to the instance (spec §5).
	history        storage.HistoryStore
	costInPerMTok  float64
	costOutPerMTok float64

	mu        sync.Mutex
	instances map[string]*Instance

	started   telemetry.Counter
	stopped   telemetry.Counter
	taskFails telemetry.Counter
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithToolValidator supplies JSON-schema validation of tool parameters
// ahead of dispatch (spec §4.7 step 2).
func WithToolValidator(v *toolspec.Validator) Option {
	return func(r *Runtime) {
		if v != nil {
			r.schema = v
		}
	}
}

// WithTokenModel configures the model name and context-window limit used
// by the empty-response diagnostic's token-count heuristic (spec §4.7).
func WithTokenModel(model string, limit int) Option {
	return func(r *Runtime) {
		r.tokenModel = model
		if limit > 0 {
			r.tokenLimit = limit
		}
	}
}

// WithHistoryStore persists instance records and execution-history rows
// (spec §6.4 "Instances and history"). Write failures after a task are
// fatal to the owning instance (spec §5 "Failure isolation").
func WithHistoryStore(h storage.HistoryStore) Option {
	return func(r *Runtime) {
		r.history = h
	}
}

// WithTokenCost sets the per-million-token rates used to fill the
// execution-history cost field. Zero rates record a zero cost.
func WithTokenCost(inPerMTok, outPerMTok float64) Option {
	return func(r *Runtime) {
		r.costInPerMTok = inPerMTok
		r.costOutPerMTok = outPerMTok
	}
}

// New creates a Runtime.
func New(reg *registry.Registry, bus *eventbus.Bus, locks *reslock.Manager, llm LLMProvider, tools ToolRuntime, tel telemetry.Telemetry, opts ...Option) *Runtime {
	r := &Runtime{
		logger:     tel.Logger,
		bus:        bus,
		reg:        reg,
		locks:      locks,
		llm:        llm,
		tools:      tools,
		tel:        tel,
		schema:     toolspec.NewValidator(),
		tokenLimit: 128000,
		instances:  make(map[string]*Instance),
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "runtime")
	}
	for _, opt := range opts {
		opt(r)
	}
	if tel.Registry != nil {
		r.started = telemetry.NewCounter(tel.Registry, "orchestrator_runtime_instances_started_total", "agent instances started", "agent_id")
		r.stopped = telemetry.NewCounter(tel.Registry, "orchestrator_runtime_instances_stopped_total", "agent instances stopped", "agent_id")
		r.taskFails = telemetry.NewCounter(tel.Registry, "orchestrator_runtime_task_failures_total", "tasks ending in failed state", "agent_id")
	}
	return r
}

// StartAgent creates a new idle instance for agentID (latest published
// version, or a specific version) (spec §4.6 `start_agent`).
//
// Trigger subscription (spec §3 AgentInstance "subscribes to the
// agent's event triggers") is centralized in the event router rather
// than duplicated per instance: the router (internal/router) resolves
// eligible agents for every incoming event and calls DispatchEvent,
// which picks this instance when idle. A per-instance bus subscription
// in addition to that would risk double-dispatching the same event
// (once via the router's resolution, once via the instance's own
// handler) — addSubscription/subscriptionTokens remain in Instance for
// any subscriptions a future direct-delivery path adds, and StopAgent
// unsubscribes whatever is recorded there.
func (r *Runtime) StartAgent(ctx context.Context, agentID, version string) (string, error) {
	def, err := r.reg.Get(agentID, version)
	if err != nil {
		return "", err
	}
	inst := NewInstance(FromRegistry(def))

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	if err := r.saveInstanceRow(ctx, inst); err != nil {
		r.mu.Lock()
		delete(r.instances, inst.ID)
		r.mu.Unlock()
		return "", fmt.Errorf("runtime: persist instance record: %w", err)
	}

	if r.started.IsSet() {
		r.started.Inc(agentID)
	}
	r.publish(ctx, eventtypes.TypeAgentStarted, map[string]any{"instance_id": inst.ID, "agent_id": agentID})
	return inst.ID, nil
}

// StopAgent cancels any current task, releases owned locks, removes
// subscriptions, and transitions the instance to stopped (spec §4.6
// `stop_agent`, §5 Cancellation).
func (r *Runtime) StopAgent(ctx context.Context, instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	if task := inst.stop(); task != nil {
		task.Cancel()
	}
	for _, token := range inst.subscriptionTokens() {
		r.bus.Unsubscribe(token)
	}
	if r.locks != nil {
		if err := r.locks.ReleaseAllOwnedBy(ctx, instanceID); err != nil {
			r.logger.Warn("failed to release locks on stop", "instance_id", instanceID, "error", err)
		}
	}
	inst.Cache.Clear()
	if err := r.saveInstanceRow(ctx, inst); err != nil {
		// The instance is already terminal; losing the final row is worth
		// a warning but not an error back to the stop caller.
		r.logger.Warn("failed to persist stopped instance record", "instance_id", instanceID, "error", err)
	}
	if r.stopped.IsSet() {
		r.stopped.Inc(inst.Def.ID)
	}
	r.publish(ctx, eventtypes.TypeAgentStopped, map[string]any{"instance_id": instanceID, "agent_id": inst.Def.ID})
	return nil
}

// PauseAgent parks a running instance at the next suspension point (spec
// §4.6 `pause_agent`).
func (r *Runtime) PauseAgent(instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	if !inst.pause() {
		return ErrInstanceNotRunning
	}
	return nil
}

// ResumeAgent continues a paused instance (spec §4.6 `resume_agent`).
func (r *Runtime) ResumeAgent(instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	if !inst.resume() {
		return fmt.Errorf("runtime: instance %s is not paused", instanceID)
	}
	return nil
}

// ListInstances returns snapshots of every instance matching filter
// (spec §4.6 `list_instances`).
func (r *Runtime) ListInstances(filter Filter) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, inst := range r.instances {
		snap := inst.Snapshot()
		if filter.AgentID != "" && snap.AgentID != filter.AgentID {
			continue
		}
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Status returns one instance's snapshot (spec §4.6 `status`).
func (r *Runtime) Status(instanceID string) (Snapshot, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.Snapshot(), nil
}

// Dispatch enqueues a user-message-originated task on instanceID (spec
// §4.6 `dispatch(instance_id, task)`).
func (r *Runtime) Dispatch(ctx context.Context, instanceID, userMessage string) (string, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return "", err
	}
	def, err := r.reg.Get(inst.Def.ID, inst.Def.Version)
	if err != nil {
		return "", err
	}
	task, err := r.dispatchToInstance(ctx, inst, def, nil, userMessage)
	if err != nil {
		return "", err
	}
	if task == nil {
		switch inst.State() {
		case StateError:
			return "", ErrInstanceError
		case StateStopped:
			return "", ErrInstanceTerminal
		default:
			return "", ErrQueueFull
		}
	}
	return task.ID, nil
}

// DispatchEvent implements router.Dispatcher: find or start a target
// instance for def and dispatch ev to it, subject to max_parallel_tasks
// (spec §4.5 step 2-3).
func (r *Runtime) DispatchEvent(ctx context.Context, def registry.AgentDefinition, ev eventtypes.Event) (bool, error) {
	inst := r.findIdleOrStartable(ctx, def)
	if inst == nil {
		return false, nil
	}
	task, err := r.dispatchToInstance(ctx, inst, def, &ev, "")
	if err != nil {
		return false, err
	}
	return task != nil, nil
}

// findIdleOrStartable returns an idle instance of def if one exists,
// else starts a new one if the agent is below max_parallel_tasks, else
// returns an existing (possibly busy) instance so the caller can attempt
// to enqueue, or nil if truly at capacity with no instance to buffer on.
func (r *Runtime) findIdleOrStartable(ctx context.Context, def registry.AgentDefinition) *Instance {
	r.mu.Lock()
	var idle, fallback *Instance
	count := 0
	for _, inst := range r.instances {
		if inst.Def.ID != def.Metadata.ID || inst.State() == StateStopped {
			continue
		}
		count++
		fallback = inst
		if inst.State() == StateIdle {
			idle = inst
			break
		}
	}
	r.mu.Unlock()

	if idle != nil {
		return idle
	}
	maxParallel := def.Config.MaxParallelTasks
	if maxParallel <= 0 || count < maxParallel {
		id, err := r.StartAgent(ctx, def.Metadata.ID, def.Metadata.Version)
		if err != nil {
			r.logger.Error("failed to start instance for dispatch", "agent_id", def.Metadata.ID, "error", err)
			return fallback
		}
		inst, _ := r.get(id)
		return inst
	}
	return fallback
}

// dispatchToInstance claims the instance if idle and runs the task loop
// in a new goroutine, or enqueues the task if busy (spec §4.5 back-pressure).
func (r *Runtime) dispatchToInstance(ctx context.Context, inst *Instance, def registry.AgentDefinition, ev *eventtypes.Event, userMessage string) (*Task, error) {
	task := NewTask(inst.ID, ev, userMessage, nil)
	if !inst.tryClaim(task) {
		if !inst.enqueue(task) {
			return nil, nil
		}
		return task, nil
	}
	go r.runTask(context.WithoutCancel(ctx), inst, def, task)
	return task, nil
}

// runTask drives one task to completion and then, if the instance is
// idle and more work is queued on it, immediately claims the next item
// (spec §4.5 per-instance queue draining).
func (r *Runtime) runTask(ctx context.Context, inst *Instance, def registry.AgentDefinition, task *Task) {
	task.Start(time.Now())
	r.publish(ctx, eventtypes.TypeTaskStarted, map[string]any{"instance_id": inst.ID, "agent_id": def.Metadata.ID, "task_id": task.ID})

	timeout := def.Config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := r.runLoop(taskCtx, inst, task)
	final := TaskCompleted
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		final = TaskFailed
		outcome.ErrorKind = "timeout"
		outcome.Message = ErrTaskTimeout.Error()
	case task.Cancelled():
		final = TaskCancelled
		outcome.ErrorKind = "cancelled"
		outcome.Message = ErrTaskCancelled.Error()
	case err != nil:
		final = TaskFailed
		if outcome.ErrorKind == "" {
			outcome.ErrorKind = "task_error"
			outcome.Message = err.Error()
		}
	}
	task.Finish(final, time.Now(), outcome)

	if r.locks != nil {
		if relErr := r.locks.ReleaseAllOwnedBy(context.WithoutCancel(ctx), inst.ID); relErr != nil {
			r.logger.Warn("failed to release task-scoped locks", "instance_id", inst.ID, "error", relErr)
		}
	}

	inst.finishTask(outcome)

	if err := r.recordExecution(ctx, inst, def.Metadata.ID, task, final); err != nil {
		// Persistence unavailable during a state write: in-memory and
		// durable state can no longer be trusted to agree, so the
		// instance becomes unusable until stopped (spec §4.6
		// "running -> error", §5 "Failure isolation").
		r.logger.Error("state write failed, instance entering error state",
			"instance_id", inst.ID, "task_id", task.ID, "error", err)
		inst.fail()
	}

	if final == TaskFailed && r.taskFails.IsSet() {
		r.taskFails.Inc(def.Metadata.ID)
	}
	eventType := eventtypes.TypeTaskCompleted
	if final == TaskFailed {
		eventType = eventtypes.TypeTaskFailed
	}
	r.publish(ctx, eventType, map[string]any{"instance_id": inst.ID, "agent_id": def.Metadata.ID, "task_id": task.ID, "state": string(final)})

	if inst.State() != StateIdle {
		return
	}
	if next, ok := inst.dequeue(); ok {
		if inst.tryClaim(next) {
			go r.runTask(context.WithoutCancel(ctx), inst, def, next)
		}
	}
}

// saveInstanceRow persists the instance's current snapshot as one row
// (spec §6.4 "one row per instance"). No-op without a history store.
func (r *Runtime) saveInstanceRow(ctx context.Context, inst *Instance) error {
	if r.history == nil {
		return nil
	}
	snap := inst.Snapshot()
	return r.history.SaveInstance(ctx, storage.InstanceRow{
		InstanceID:    snap.ID,
		AgentID:       snap.AgentID,
		Version:       snap.Version,
		State:         string(snap.State),
		StartedAt:     snap.StartedAt,
		LastHeartbeat: snap.LastHeartbeat,
	})
}

// recordExecution writes the task's execution-history row with its
// token/cost/timing fields, then refreshes the instance row (spec §6.4
// "execution-history rows per task").
func (r *Runtime) recordExecution(ctx context.Context, inst *Instance, agentID string, task *Task, final TaskState) error {
	if r.history == nil {
		return nil
	}
	outcome, _ := task.Outcome()
	triggerID := ""
	if task.TriggerEvent != nil {
		triggerID = task.TriggerEvent.ID
	}
	row := storage.ExecutionRow{
		TaskID:         task.ID,
		InstanceID:     inst.ID,
		AgentID:        agentID,
		TriggerEventID: triggerID,
		State:          string(final),
		StartedAt:      task.StartedAt,
		EndedAt:        outcome.EndedAt,
		TokensIn:       outcome.TokensIn,
		TokensOut:      outcome.TokensOut,
		CostUSD:        float64(outcome.TokensIn)*r.costInPerMTok/1e6 + float64(outcome.TokensOut)*r.costOutPerMTok/1e6,
		ErrorKind:      outcome.ErrorKind,
	}
	if err := r.history.SaveExecution(ctx, row); err != nil {
		return err
	}
	return r.saveInstanceRow(ctx, inst)
}

func (r *Runtime) get(instanceID string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

func (r *Runtime) publish(ctx context.Context, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	ev := eventtypes.New(eventType, payload, eventtypes.PriorityNormal)
	if _, err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}

package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

// fakeLLM answers every completion with a canned terminal response, no
// tool calls — enough to drive one turn to completion.
type fakeLLM struct {
	response CompletionResponse
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	f.calls++
	return f.response, nil
}

type fakeTools struct{}

func (fakeTools) Call(ctx context.Context, name string, params map[string]any) (ToolResult, error) {
	return ToolResult{Value: "ok"}, nil
}

func newTestRuntime(t *testing.T, llm LLMProvider) (*Runtime, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	reg := registry.New()
	locks := reslock.New(store, bus)
	rt := New(reg, bus, locks, llm, fakeTools{}, telemetry.Telemetry{})
	return rt, reg, bus
}

func publishedOnDemandAgent(t *testing.T, reg *registry.Registry, id string) registry.AgentDefinition {
	t.Helper()
	def := registry.AgentDefinition{
		Metadata: registry.Metadata{ID: id, Version: "1.0.0"},
		Goal:     registry.GoalOnDemand,
		Triggers: []registry.Trigger{
			{EventType: "alert.blackscreen", Priority: "critical", Filters: map[string]string{"platform": "mobile"}},
		},
		EventPools: []string{"pool"},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: time.Second},
	}
	_, err := reg.Register(def)
	require.NoError(t, err)
	require.NoError(t, reg.Publish(id, "1.0.0"))
	got, err := reg.Get(id, "1.0.0")
	require.NoError(t, err)
	return got
}

// TestEventDispatchStartsInstanceAndCompletesTask exercises spec.md §8
// seed scenario 2's runtime half: a matching event starts (or reuses) an
// instance and drives a task to completion.
func TestEventDispatchStartsInstanceAndCompletesTask(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "done", StopReason: "end_turn"}}
	rt, reg, _ := newTestRuntime(t, llm)
	def := publishedOnDemandAgent(t, reg, "qa-mobile")

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile", "device_id": "d1"}, eventtypes.PriorityCritical)
	dispatched, err := rt.DispatchEvent(context.Background(), def, ev)
	require.NoError(t, err)
	require.True(t, dispatched)

	require.Eventually(t, func() bool {
		snaps := rt.ListInstances(Filter{AgentID: "qa-mobile"})
		if len(snaps) != 1 {
			return false
		}
		return snaps[0].State == StateIdle && snaps[0].LastTaskOutcome != nil
	}, time.Second, 5*time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "done", StopReason: "end_turn"}}
	rt, reg, _ := newTestRuntime(t, llm)
	publishedOnDemandAgent(t, reg, "qa-mobile")

	id, err := rt.StartAgent(context.Background(), "qa-mobile", "")
	require.NoError(t, err)

	snap, err := rt.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateIdle, snap.State)

	require.NoError(t, rt.StopAgent(context.Background(), id))
	snap, err = rt.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateStopped, snap.State)

	err = rt.PauseAgent(id)
	require.ErrorIs(t, err, ErrInstanceNotRunning)
}

func TestPauseResume(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "done", StopReason: "end_turn"}}
	rt, reg, _ := newTestRuntime(t, llm)
	publishedOnDemandAgent(t, reg, "qa-mobile")

	id, err := rt.StartAgent(context.Background(), "qa-mobile", "")
	require.NoError(t, err)

	inst, err := rt.get(id)
	require.NoError(t, err)
	require.True(t, inst.tryClaim(NewTask(id, nil, "hi", nil)))

	require.NoError(t, rt.PauseAgent(id))
	snap, _ := rt.Status(id)
	require.Equal(t, StatePaused, snap.State)

	require.NoError(t, rt.ResumeAgent(id))
	snap, _ = rt.Status(id)
	require.Equal(t, StateRunning, snap.State)
}

func TestEmptyResponseFailsTaskWithDiagnostic(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "", StopReason: "end_turn"}}
	rt, reg, _ := newTestRuntime(t, llm)
	def := publishedOnDemandAgent(t, reg, "qa-mobile")

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile"}, eventtypes.PriorityCritical)
	dispatched, err := rt.DispatchEvent(context.Background(), def, ev)
	require.NoError(t, err)
	require.True(t, dispatched)

	require.Eventually(t, func() bool {
		snaps := rt.ListInstances(Filter{AgentID: "qa-mobile"})
		return len(snaps) == 1 && snaps[0].LastTaskOutcome != nil
	}, time.Second, 5*time.Millisecond)

	snaps := rt.ListInstances(Filter{AgentID: "qa-mobile"})
	require.Equal(t, "empty_response", snaps[0].LastTaskOutcome.ErrorKind)
}

func TestTaskOutcomePersistedToHistory(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "done", StopReason: "end_turn", InputTokens: 100, OutputTokens: 25}}
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	reg := registry.New()
	rt := New(reg, bus, nil, llm, fakeTools{}, telemetry.Telemetry{},
		WithHistoryStore(store), WithTokenCost(3, 15))
	def := publishedOnDemandAgent(t, reg, "qa-mobile")

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile"}, eventtypes.PriorityCritical)
	dispatched, err := rt.DispatchEvent(context.Background(), def, ev)
	require.NoError(t, err)
	require.True(t, dispatched)

	var rows []storage.ExecutionRow
	require.Eventually(t, func() bool {
		rows, _ = store.ListExecutions(context.Background(), "")
		return len(rows) == 1
	}, time.Second, 5*time.Millisecond)

	row := rows[0]
	require.Equal(t, "qa-mobile", row.AgentID)
	require.Equal(t, ev.ID, row.TriggerEventID)
	require.Equal(t, string(TaskCompleted), row.State)
	require.Equal(t, 100, row.TokensIn)
	require.Equal(t, 25, row.TokensOut)
	require.InDelta(t, 100*3.0/1e6+25*15.0/1e6, row.CostUSD, 1e-9)
	require.False(t, row.EndedAt.Before(row.StartedAt))

	instRow, ok := store.GetInstance(row.InstanceID)
	require.True(t, ok)
	require.Equal(t, string(StateIdle), instRow.State)
}

// failingHistory accepts instance rows but refuses execution rows,
// simulating persistence becoming unavailable mid-run.
type failingHistory struct{}

func (failingHistory) SaveInstance(ctx context.Context, row storage.InstanceRow) error { return nil }
func (failingHistory) SaveExecution(ctx context.Context, row storage.ExecutionRow) error {
	return errors.New("storage unavailable")
}
func (failingHistory) ListExecutions(ctx context.Context, instanceID string) ([]storage.ExecutionRow, error) {
	return nil, nil
}

// TestStateWriteFailureIsFatalToInstance exercises the spec §4.6
// "running -> error" transition: a persistence failure during the
// post-task state write leaves the instance unusable until stopped.
func TestStateWriteFailureIsFatalToInstance(t *testing.T) {
	llm := &fakeLLM{response: CompletionResponse{Text: "done", StopReason: "end_turn"}}
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	reg := registry.New()
	rt := New(reg, bus, nil, llm, fakeTools{}, telemetry.Telemetry{},
		WithHistoryStore(failingHistory{}))
	def := publishedOnDemandAgent(t, reg, "qa-mobile")

	ev := eventtypes.New("alert.blackscreen", map[string]any{"platform": "mobile"}, eventtypes.PriorityCritical)
	dispatched, err := rt.DispatchEvent(context.Background(), def, ev)
	require.NoError(t, err)
	require.True(t, dispatched)

	require.Eventually(t, func() bool {
		snaps := rt.ListInstances(Filter{AgentID: "qa-mobile"})
		return len(snaps) == 1 && snaps[0].State == StateError
	}, time.Second, 5*time.Millisecond)

	id := rt.ListInstances(Filter{AgentID: "qa-mobile"})[0].ID
	_, err = rt.Dispatch(context.Background(), id, "more work")
	require.Error(t, err, "an errored instance must not accept new tasks")

	require.NoError(t, rt.StopAgent(context.Background(), id))
	snap, err := rt.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateStopped, snap.State)
}

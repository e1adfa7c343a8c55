package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/registry"
)

func TestParseOutputVariants(t *testing.T) {
	cases := []struct {
		name string
		text string
		kind AgentOutputKind
		want string
	}{
		{"delegate", "I'll hand this off. DELEGATE TO qa-mobile-helper", OutputDelegate, "qa-mobile-helper"},
		{"load", "Loading a specialist. LOAD SKILL blackscreen-triage", OutputLoadSkill, "blackscreen-triage"},
		{"unload", "Done with this skill. UNLOAD SKILL", OutputUnloadSkill, ""},
		{"plain", "Everything looks fine.", OutputText, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := ParseOutput(tc.text)
			require.Equal(t, tc.kind, out.Kind)
			switch tc.kind {
			case OutputDelegate:
				require.Equal(t, tc.want, out.DelegateTo)
			case OutputLoadSkill:
				require.Equal(t, tc.want, out.SkillName)
			}
		})
	}
}

// queuedLLM answers Complete calls in a fixed, scripted order — enough to
// drive the loop through a specific scenario deterministically.
type queuedLLM struct {
	mu        sync.Mutex
	responses []CompletionResponse
	idx       int
	requests  []CompletionRequest
}

func (q *queuedLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	if q.idx >= len(q.responses) {
		return CompletionResponse{Text: "done", StopReason: "end_turn"}, nil
	}
	r := q.responses[q.idx]
	q.idx++
	return r, nil
}

// countingTools records how many times each tool name was actually
// invoked, so a cache hit (spec.md §8 seed scenario 4) is observable as a
// call count that stops increasing.
type countingTools struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingTools() *countingTools { return &countingTools{calls: make(map[string]int)} }

func (c *countingTools) Call(ctx context.Context, name string, params map[string]any) (ToolResult, error) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
	return ToolResult{Value: "result-for-" + name}, nil
}

func (c *countingTools) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func registerSkillWithCache(t *testing.T, reg *registry.Registry, name, tool string) {
	t.Helper()
	err := reg.RegisterSkill(registry.SkillDefinition{
		Name:         name,
		SystemPrompt: "You are a lookup specialist.",
		Tools:        []string{tool},
		ToolCache: map[string]registry.ToolCachePolicy{
			tool: {Enabled: true, TTLSeconds: 0, PromptCache: true},
		},
	})
	require.NoError(t, err)
}

// TestSkillLoadThenToolCallThenCacheHit exercises spec.md §8 seed
// scenarios 3 (skill load switches prompt/tools) and 4 (second identical
// tool call within the cache's lifetime is served from cache).
func TestSkillLoadThenToolCallThenCacheHit(t *testing.T) {
	reg := registry.New()
	registerSkillWithCache(t, reg, "mapper", "lookup")

	def := registry.AgentDefinition{
		Metadata:        registry.Metadata{ID: "qa-mapper", Version: "1.0.0"},
		Goal:            registry.GoalOnDemand,
		Triggers:        []registry.Trigger{{EventType: "alert.blackscreen", Priority: "critical"}},
		EventPools:      []string{"pool"},
		AvailableSkills: []string{"mapper"},
		Config:          registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: 5 * time.Second},
	}
	_, err := reg.Register(def)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-mapper", "1.0.0"))
	got, err := reg.Get("qa-mapper", "1.0.0")
	require.NoError(t, err)

	llm := &queuedLLM{responses: []CompletionResponse{
		{Text: "LOAD SKILL mapper", StopReason: "end_turn"},
		{Text: "looking it up", StopReason: "tool_use", ToolCalls: []ToolCall{{Name: "lookup", Params: map[string]any{"key": "a"}}}},
		{Text: "done", StopReason: "end_turn"},
		// Second task: same tool call, should be served from cache.
		{Text: "looking it up again", StopReason: "tool_use", ToolCalls: []ToolCall{{Name: "lookup", Params: map[string]any{"key": "a"}}}},
		{Text: "done again", StopReason: "end_turn"},
	}}
	tools := newCountingTools()

	store := newMemStore()
	bus := newBus(store)
	locks := newLocks(store, bus)
	rt := New(reg, bus, locks, llm, tools, noTelemetry())

	id, err := rt.StartAgent(context.Background(), "qa-mapper", "")
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), id, "please look up a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := rt.Status(id)
		return snap.State == StateIdle && snap.LastTaskOutcome != nil
	}, time.Second, 5*time.Millisecond)

	inst, err := rt.get(id)
	require.NoError(t, err)
	require.Equal(t, "mapper", inst.Skill.SkillName)
	require.Equal(t, 1, tools.count("lookup"))
	require.Equal(t, 1, inst.Cache.Len())

	_, err = rt.Dispatch(context.Background(), id, "look up a again")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := rt.Status(id)
		return snap.State == StateIdle && snap.LastTaskOutcome != nil && snap.LastTaskOutcome.Text == "done again"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, got.Metadata.ID, "qa-mapper")
	require.Equal(t, 1, tools.count("lookup"), "second identical call should hit the cache, not re-invoke the tool")
}

// TestDelegationCleanChildHistory exercises spec.md §8 seed scenario 5:
// a delegated child task's history contains exactly one user turn, and
// the parent resumes with the child's final text.
func TestDelegationCleanChildHistory(t *testing.T) {
	reg := registry.New()

	child := registry.AgentDefinition{
		Metadata:   registry.Metadata{ID: "qa-child", Version: "1.0.0"},
		Goal:       registry.GoalOnDemand,
		Triggers:   []registry.Trigger{{EventType: "internal.delegate", Priority: "normal"}},
		EventPools: []string{"pool"},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: 5 * time.Second},
	}
	_, err := reg.Register(child)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-child", "1.0.0"))

	parent := registry.AgentDefinition{
		Metadata:   registry.Metadata{ID: "qa-parent", Version: "1.0.0"},
		Goal:       registry.GoalOnDemand,
		Triggers:   []registry.Trigger{{EventType: "alert.blackscreen", Priority: "critical"}},
		EventPools: []string{"pool"},
		Subagents:  []registry.SubagentRef{{AgentID: "qa-child"}},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: 5 * time.Second},
	}
	_, err = reg.Register(parent)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-parent", "1.0.0"))

	llm := &queuedLLM{responses: []CompletionResponse{
		{Text: "DELEGATE TO qa-child", StopReason: "end_turn"},
		{Text: "child handled it", StopReason: "end_turn"},
		{Text: "wrapping up", StopReason: "end_turn"},
	}}
	tools := newCountingTools()

	store := newMemStore()
	bus := newBus(store)
	locks := newLocks(store, bus)
	rt := New(reg, bus, locks, llm, tools, noTelemetry())

	id, err := rt.StartAgent(context.Background(), "qa-parent", "")
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), id, "investigate the blackscreen")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := rt.Status(id)
		return snap.State == StateIdle && snap.LastTaskOutcome != nil
	}, time.Second, 5*time.Millisecond)

	snap, err := rt.Status(id)
	require.NoError(t, err)
	require.Equal(t, "wrapping up", snap.LastTaskOutcome.Text)

	childInstances := rt.ListInstances(Filter{AgentID: "qa-child"})
	require.Len(t, childInstances, 1)

	// The second completion request is the child's first turn: its history
	// holds only the delegation message.
	llm.mu.Lock()
	childReq := llm.requests[1]
	llm.mu.Unlock()
	require.Len(t, childReq.Messages, 1)
	require.Equal(t, "user", childReq.Messages[0].Role)
	require.Equal(t, "investigate the blackscreen", childReq.Messages[0].Content)
}

// TestDelegationCycleFailsFast exercises the spec.md §9 cycle-detection
// rule: a sub-agent delegating back to an agent already on the current
// task's delegation path fails fast instead of looping forever.
func TestDelegationCycleFailsFast(t *testing.T) {
	reg := registry.New()

	agentB := registry.AgentDefinition{
		Metadata:   registry.Metadata{ID: "qa-b", Version: "1.0.0"},
		Goal:       registry.GoalOnDemand,
		Triggers:   []registry.Trigger{{EventType: "internal.delegate", Priority: "normal"}},
		EventPools: []string{"pool"},
		Subagents:  []registry.SubagentRef{{AgentID: "qa-a"}},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: 5 * time.Second},
	}
	_, err := reg.Register(agentB)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-b", "1.0.0"))

	agentA := registry.AgentDefinition{
		Metadata:   registry.Metadata{ID: "qa-a", Version: "1.0.0"},
		Goal:       registry.GoalOnDemand,
		Triggers:   []registry.Trigger{{EventType: "alert.blackscreen", Priority: "critical"}},
		EventPools: []string{"pool"},
		Subagents:  []registry.SubagentRef{{AgentID: "qa-b"}},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1, Timeout: 5 * time.Second},
	}
	_, err = reg.Register(agentA)
	require.NoError(t, err)
	require.NoError(t, reg.Publish("qa-a", "1.0.0"))

	llm := &queuedLLM{responses: []CompletionResponse{
		{Text: "DELEGATE TO qa-b", StopReason: "end_turn"},
		{Text: "DELEGATE TO qa-a", StopReason: "end_turn"},
	}}
	tools := newCountingTools()

	store := newMemStore()
	bus := newBus(store)
	locks := newLocks(store, bus)
	rt := New(reg, bus, locks, llm, tools, noTelemetry())

	id, err := rt.StartAgent(context.Background(), "qa-a", "")
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), id, "go")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := rt.Status(id)
		return snap.State == StateIdle && snap.LastTaskOutcome != nil
	}, time.Second, 5*time.Millisecond)

	snap, err := rt.Status(id)
	require.NoError(t, err)
	require.Equal(t, "task_error", snap.LastTaskOutcome.ErrorKind)
	require.Contains(t, snap.LastTaskOutcome.Message, "delegation cycle")
}

// TestToolSpecEmptySchemaMarshalsNull is a small sanity check that
// ToolSpec's schema field round-trips through encoding/json untouched
// when empty.
func TestToolSpecEmptySchemaMarshalsNull(t *testing.T) {
	spec := ToolSpec{Name: "lookup"}
	b, err := json.Marshal(spec)
	require.NoError(t, err)
	require.Contains(t, string(b), `"Name":"lookup"`)
	require.Contains(t, string(b), `"ParamsSchema":null`)
}

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
	"encoding/json"
	"time"

	"github.com/qaforge/orchestrator-core/internal/registry"
)

// LLMProvider is the out-of-scope LLM adapter collaborator (spec §1);
// only its contract lives here. Grounded on the teacher's
// internal/agent.LLMProvider interface shape.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// CompletionMessage is one turn of conversation history.
type CompletionMessage struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// ToolSpec describes one callable tool surfaced to the LLM for a turn,
// including whether it's flagged for upstream prompt caching (spec §4.7
// turn composition step 2).
type ToolSpec struct {
	Name         string
	Description  string
	ParamsSchema json.RawMessage
	MarkForCache bool
}

// CompletionRequest is sent to the LLM provider for one turn (spec §4.7
// "Turn composition").
type CompletionRequest struct {
	System   string
	Tools    []ToolSpec
	Messages []CompletionMessage
}

// ToolCall is one LLM-requested tool invocation.
type ToolCall struct {
	ID     string
	Name   string
	Params map[string]any
}

// CompletionResponse is the LLM's reply for one turn (spec §4.7 step 1).
type CompletionResponse struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string // e.g. "end_turn", "tool_use", "max_tokens"
	InputTokens  int
	OutputTokens int
}

// ToolRuntime is the out-of-scope MCP tool-call collaborator (spec §1);
// tools are uniformly (name, params) -> result, never embedding
// tool-specific logic in the runtime (spec §9 "Polymorphism over tool
// dispatch").
type ToolRuntime interface {
	Call(ctx context.Context, name string, params map[string]any) (ToolResult, error)
}

// ToolResult is what a tool call returns.
type ToolResult struct {
	Value          any
	FinalWaitTime  time.Duration // spec §4.7 "Final wait time after action sequences"
	ContextUpdates map[string]string
}

// AgentOutput is the tagged-sum parse of the LLM's final text (spec §9
// "represent as tagged sum variants... rather than string scanning
// sprinkled through the loop").
type AgentOutput struct {
	Kind       AgentOutputKind
	Text       string
	DelegateTo string
	SkillName  string
}

// AgentOutputKind enumerates AgentOutput variants.
type AgentOutputKind int

const (
	OutputText AgentOutputKind = iota
	OutputDelegate
	OutputLoadSkill
	OutputUnloadSkill
)

// ContextProducingTools is the documented set of tools whose successful
// results feed SessionContext slots (spec §4.7 step 3, §4.8).
var ContextProducingTools = map[string]bool{
	"navigate":    true,
	"control":     true,
	"screen_dump": true,
	"discover":    true,
}

// AgentDef is the subset of registry.AgentDefinition the runtime needs,
// kept as its own type so runtime does not import registry's YAML tags
// into its hot path — constructed via FromRegistry.
type AgentDef struct {
	ID               string
	Version          string
	Goal             registry.GoalKind
	MaxParallelTasks int
	Timeout          time.Duration
	AutoRetry        bool
	QueueDepth       int
	BufferOnOverCap  bool
	Subagents        []registry.SubagentRef
	AvailableSkills  []string
	DefaultTools     []string
	RouterPrompt     string
}

// FromRegistry adapts a registry.AgentDefinition into the runtime's view.
func FromRegistry(def registry.AgentDefinition) AgentDef {
	return AgentDef{
		ID:               def.Metadata.ID,
		Version:          def.Metadata.Version,
		Goal:             def.Goal,
		MaxParallelTasks: def.Config.MaxParallelTasks,
		Timeout:          def.Config.Timeout,
		AutoRetry:        def.Config.AutoRetry,
		QueueDepth:       def.Config.QueueDepth,
		BufferOnOverCap:  def.Config.BufferOnOverCap,
		Subagents:        def.Subagents,
		AvailableSkills:  def.AvailableSkills,
		DefaultTools:     def.DefaultTools,
		RouterPrompt:     def.GoalDescription,
	}
}

// Package registry implements the agent registry and skill registry
// (spec §4.3, §4.4): declarative, versioned, YAML-portable agent and
// skill definitions, plus event-type → agent resolution. Grounded on the
// teacher's internal/multiagent.AgentDefinition and HandoffRule shapes,
// generalized from the teacher's handoff-routing domain to this spec's
// trigger/event-pool domain.
package registry

import (
	"time"
)

// AgentStatus is the publication lifecycle state of an AgentDefinition
// (spec §3 AgentDefinition "Status ∈ {draft, published, deprecated}").
type AgentStatus string

const (
	StatusDraft      AgentStatus = "draft"
	StatusPublished  AgentStatus = "published"
	StatusDeprecated AgentStatus = "deprecated"
)

// GoalKind distinguishes long-running from on-demand agents (spec §3).
type GoalKind string

const (
	GoalContinuous GoalKind = "continuous"
	GoalOnDemand   GoalKind = "on-demand"
)

// Trigger is a (event-type, priority, optional payload filter) rule an
// agent declares to subscribe to a class of events (spec §3, §6.2).
type Trigger struct {
	EventType string            `yaml:"event_type" json:"event_type"`
	Priority  string            `yaml:"priority" json:"priority"`
	Filters   map[string]string `yaml:"filters,omitempty" json:"filters,omitempty"`
}

// SubagentRef is a declared sub-agent reference (spec §3 "declared
// sub-agent references (child agent_id + allowed delegation tags)").
type SubagentRef struct {
	AgentID         string   `yaml:"id" json:"id"`
	VersionConstr   string   `yaml:"version,omitempty" json:"version,omitempty"`
	DelegateForTags []string `yaml:"delegate_for,omitempty" json:"delegate_for,omitempty"`
}

// ExecutionConfig holds the integer/flag knobs from spec §6.2 "config".
type ExecutionConfig struct {
	MaxParallelTasks  int           `yaml:"max_parallel_tasks" json:"max_parallel_tasks"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	AutoRetry         bool          `yaml:"auto_retry" json:"auto_retry"`
	ApprovalRequired  []string      `yaml:"approval_required_tags,omitempty" json:"approval_required_tags,omitempty"`
	QueueDepth        int           `yaml:"queue_depth" json:"queue_depth"`
	BufferOnOverCap   bool          `yaml:"buffer_on_over_capacity" json:"buffer_on_over_capacity"`
}

// Metadata holds the display fields from spec §6.2 "metadata".
type Metadata struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Nickname    string `yaml:"nickname,omitempty" json:"nickname,omitempty"`
	Icon        string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Selectable  bool   `yaml:"selectable" json:"selectable"`
	Default     bool   `yaml:"default" json:"default"`
}

// AgentDefinition is the immutable-per-version declarative agent document
// (spec §3 AgentDefinition, §6.2).
type AgentDefinition struct {
	Metadata        Metadata          `yaml:"metadata" json:"metadata"`
	Goal            GoalKind          `yaml:"goal" json:"goal"`
	GoalDescription string            `yaml:"goal_description,omitempty" json:"goal_description,omitempty"`
	Triggers        []Trigger         `yaml:"triggers" json:"triggers"`
	EventPools      []string          `yaml:"event_pools" json:"event_pools"`
	Subagents       []SubagentRef     `yaml:"subagents,omitempty" json:"subagents,omitempty"`
	AvailableSkills []string          `yaml:"available_skills,omitempty" json:"available_skills,omitempty"`
	DefaultTools    []string          `yaml:"default_tools,omitempty" json:"default_tools,omitempty"`
	Permissions     map[string][]string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Config          ExecutionConfig   `yaml:"config" json:"config"`

	Status AgentStatus `yaml:"status" json:"status"`

	// UnknownSkills is populated by Validate (spec §4.3) with the
	// declared skills that are not registered; it is not read from the
	// YAML document. Unknown tools are not tracked.
	UnknownSkills []string `yaml:"-" json:"unknown_skills,omitempty"`
}

// ID returns the agent id from metadata.
func (d AgentDefinition) ID() string { return d.Metadata.ID }

// Version returns the semver string from metadata.
func (d AgentDefinition) Version() string { return d.Metadata.Version }

// ToolCachePolicy is one entry of a skill's tool_cache map (spec §3
// SkillDefinition, §6.2).
type ToolCachePolicy struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	TTLSeconds  int           `yaml:"ttl_seconds" json:"ttl_seconds"`
	PromptCache bool          `yaml:"prompt_cache" json:"prompt_cache"`
}

// TTL returns the policy's TTL as a time.Duration.
func (p ToolCachePolicy) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// Platform restricts a skill to a given client platform (spec §3).
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
	PlatformSTB    Platform = "stb"
	PlatformAny    Platform = ""
)

// SkillDefinition is a declarative capability bundle (spec §3, §4.4, §6.2).
type SkillDefinition struct {
	Name            string                     `yaml:"name" json:"name"`
	Version         string                     `yaml:"version,omitempty" json:"version,omitempty"`
	Description     string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers        []string                   `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	SystemPrompt    string                     `yaml:"system_prompt" json:"system_prompt"`
	Tools           []string                   `yaml:"tools" json:"tools"`
	ToolCache       map[string]ToolCachePolicy `yaml:"tool_cache,omitempty" json:"tool_cache,omitempty"`
	PlatformTag     Platform                   `yaml:"platform,omitempty" json:"platform,omitempty"`
	RequiresDevice  bool                       `yaml:"requires_device" json:"requires_device"`
	TimeoutSeconds  int                        `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the skill's configured timeout.
func (s SkillDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

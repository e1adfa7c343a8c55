package skills

import "github.com/qaforge/orchestrator-core/internal/registry"

// Mode is the operating mode of an agent instance (spec §4.4).
type Mode string

const (
	// ModeRouter is the default mode: a small tool set, LLM decides
	// whether to answer directly or emit LOAD SKILL.
	ModeRouter Mode = "router"
	// ModeSkill means a skill's system prompt and tools are active.
	ModeSkill Mode = "skill"
)

// ActiveState tracks which mode an instance is in and, in skill mode,
// which skill is loaded.
type ActiveState struct {
	Mode        Mode
	SkillName   string
	RouterTools []string
	Prompt      string
	Tools       []string
	ToolCache   map[string]registry.ToolCachePolicy
}

// NewRouterState builds the default router-mode state for an agent.
func NewRouterState(routerPrompt string, routerTools []string) ActiveState {
	return ActiveState{
		Mode:        ModeRouter,
		RouterTools: routerTools,
		Prompt:      routerPrompt,
		Tools:       routerTools,
	}
}

// Load switches into skill mode if name is both in available (the
// agent's declared available_skills) and registered. The prior router
// context (conversation history) is retained by the caller; Load only
// swaps prompt/tools (spec §4.4 "Skill mode... prior router context is
// retained").
func (s *ActiveState) Load(name string, available []string, reg SkillLookup) bool {
	if !contains(available, name) {
		return false
	}
	def, ok := reg.GetSkill(name)
	if !ok {
		return false
	}
	s.Mode = ModeSkill
	s.SkillName = name
	s.Prompt = def.SystemPrompt
	s.Tools = def.Tools
	s.ToolCache = def.ToolCache
	return true
}

// Unload returns to router mode (spec §4.4). The runtime calls it when
// the LLM emits UNLOAD SKILL; the end of a task does not unload, so a
// loaded skill stays active for the instance's next task.
func (s *ActiveState) Unload(routerPrompt string) {
	s.Mode = ModeRouter
	s.SkillName = ""
	s.Prompt = routerPrompt
	s.Tools = s.RouterTools
	s.ToolCache = nil
}

// SkillLookup is the subset of registry.Registry that Load needs.
type SkillLookup interface {
	GetSkill(name string) (registry.SkillDefinition, bool)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

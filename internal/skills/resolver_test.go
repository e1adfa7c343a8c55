package skills

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/registry"
)

func TestBestPicksHighestKeyphraseScore(t *testing.T) {
	m := NewMatcher([]registry.SkillDefinition{
		{Name: "exploration-web", Triggers: []string{"explore", "web app"}},
		{Name: "exploration-mobile", Triggers: []string{"mobile"}},
	})

	name, ok := m.Best("Explore the sauce-demo web app")
	require.True(t, ok)
	require.Equal(t, "exploration-web", name)
}

func TestZeroScoreMeansNoMatch(t *testing.T) {
	m := NewMatcher([]registry.SkillDefinition{
		{Name: "billing", Triggers: []string{"invoice"}},
	})
	_, ok := m.Best("what's the weather")
	require.False(t, ok)
}

func TestTiesBrokenByInsertionOrder(t *testing.T) {
	m := NewMatcher([]registry.SkillDefinition{
		{Name: "first", Triggers: []string{"abc"}},
		{Name: "second", Triggers: []string{"xyz"}},
	})
	name, ok := m.Best("abc and xyz appear here")
	require.True(t, ok)
	require.Equal(t, "first", name)
}

func TestLoadRequiresAvailableAndRegistered(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterSkill(registry.SkillDefinition{Name: "exploration-web", SystemPrompt: "explore the web"}))

	state := NewRouterState("router prompt", []string{"load_skill"})
	require.False(t, state.Load("unknown-skill", []string{"exploration-web"}, reg))
	require.True(t, state.Load("exploration-web", []string{"exploration-web"}, reg))
	require.Equal(t, ModeSkill, state.Mode)
	require.Equal(t, "explore the web", state.Prompt)
}

func TestUnloadReturnsToRouterMode(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterSkill(registry.SkillDefinition{Name: "s1", SystemPrompt: "p1"}))
	state := NewRouterState("router prompt", []string{"t1"})
	require.True(t, state.Load("s1", []string{"s1"}, reg))
	state.Unload("router prompt")
	require.Equal(t, ModeRouter, state.Mode)
	require.Equal(t, []string{"t1"}, state.Tools)
}

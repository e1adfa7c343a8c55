package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAgentDir(t *testing.T) {
	dir := t.TempDir()
	doc := "metadata:\n  id: qa-mobile\n  version: 1.0.0\n  name: QA Mobile\n" +
		"goal: on-demand\n" +
		"triggers:\n  - event_type: alert.blackscreen\n    priority: critical\n" +
		"event_pools:\n  - mobile\n" +
		"config:\n  max_parallel_tasks: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa-mobile.yaml"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	reg := New()
	ids, err := reg.LoadAgentDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"qa-mobile"}, ids)

	def, err := reg.Get("qa-mobile", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, GoalOnDemand, def.Goal)
}

func TestLoadSkillDir(t *testing.T) {
	dir := t.TempDir()
	doc := "name: exploration-web\n" +
		"system_prompt: explore the web app\n" +
		"tools:\n  - navigate\n  - click\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exploration-web.yaml"), []byte(doc), 0o644))

	reg := New()
	names, err := reg.LoadSkillDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"exploration-web"}, names)

	skill, ok := reg.GetSkill("exploration-web")
	require.True(t, ok)
	require.Equal(t, []string{"navigate", "click"}, skill.Tools)
}

func TestLoadAgentDirFailsFastOnBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(": not valid yaml :::"), 0o644))

	reg := New()
	_, err := reg.LoadAgentDir(dir)
	require.Error(t, err)
}

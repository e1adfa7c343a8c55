package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadResolvesIncludeAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCH_DSN", "postgres://test/db")

	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte("storage:\n  driver: memory\n"), 0o644))

	main := filepath.Join(dir, "main.yaml")
	doc := "$include: base.yaml\n" +
		"server:\n  addr: \":9090\"\n" +
		"storage:\n  driver: postgres\n  dsn: \"${ORCH_DSN}\"\n"
	require.NoError(t, os.WriteFile(main, []byte(doc), 0o644))

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "postgres://test/db", cfg.Storage.DSN)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadRawDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644))

	_, err := LoadRaw(a)
	require.Error(t, err)
}

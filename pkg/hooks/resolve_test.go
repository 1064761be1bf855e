package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeHook(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755))
	return path
}

func TestResolve_DiscoversScopedAndGeneral(t *testing.T) {
	base := t.TempDir()
	writeHook(t, base, "pre-deploy.sh")
	writeHook(t, base, "pre-deploy.web.sh")
	writeHook(t, base, "pre-deploy.db")
	writeHook(t, base, "post-deploy.sh")
	writeHook(t, base, "notes.txt")
	require.NoError(t, os.WriteFile(filepath.Join(base, "project.yaml"), []byte("services: []\n"), 0644))

	got, err := Resolve(base, "", StagePreDeploy)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "db", got[0].Scope)
	require.Equal(t, "web", got[1].Scope)
	require.Equal(t, ScopeGeneral, got[2].Scope)
	for _, h := range got {
		require.Equal(t, StagePreDeploy, h.Stage)
		require.Equal(t, OriginBase, h.Origin)
	}
}

func TestResolve_EnvironmentOverridesBasePerScope(t *testing.T) {
	project := t.TempDir()
	envDir := filepath.Join(project, "production")

	basePath := writeHook(t, project, "post-deploy.sh")
	writeHook(t, project, "post-deploy.web.sh")
	envGeneral := writeHook(t, envDir, "post-deploy.sh")
	envDB := writeHook(t, envDir, "post-deploy.db.sh")

	got, err := Resolve(project, envDir, StagePostDeploy)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byScope := map[string]Hook{}
	for _, h := range got {
		byScope[h.Scope] = h
	}
	require.Equal(t, envGeneral, byScope[ScopeGeneral].Path, "environment hook replaces base general hook")
	require.Equal(t, OriginEnvironment, byScope[ScopeGeneral].Origin)
	require.NotEqual(t, basePath, byScope[ScopeGeneral].Path)
	require.Equal(t, OriginBase, byScope["web"].Origin)
	require.Equal(t, envDB, byScope["db"].Path)

	// General always runs last.
	require.Equal(t, ScopeGeneral, got[len(got)-1].Scope)
}

func TestResolve_SkipsEnvironmentSubdirsAndHiddenFiles(t *testing.T) {
	project := t.TempDir()
	writeHook(t, project, "pre-deploy.sh")
	writeHook(t, filepath.Join(project, "staging"), "pre-deploy.sh")
	writeHook(t, project, ".pre-deploy.sh")

	got, err := Resolve(project, "", StagePreDeploy)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ScopeGeneral, got[0].Scope)
}

func TestResolve_MissingDirsYieldNoHooks(t *testing.T) {
	got, err := Resolve(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "also-absent"), StagePreDeploy)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOverride_IsPureOverDiscoveredSets(t *testing.T) {
	base := []Hook{
		{Stage: StagePreDeploy, Scope: "web", Path: "/base/pre-deploy.web.sh", Origin: OriginBase},
		{Stage: StagePreDeploy, Scope: ScopeGeneral, Path: "/base/pre-deploy.sh", Origin: OriginBase},
	}
	env := []Hook{
		{Stage: StagePreDeploy, Scope: ScopeGeneral, Path: "/env/pre-deploy.sh", Origin: OriginEnvironment},
		{Stage: StagePreDeploy, Scope: "db", Path: "/env/pre-deploy.db.sh", Origin: OriginEnvironment},
	}

	got := Override(base, env)
	require.Len(t, got, 3)
	require.Equal(t, "db", got[0].Scope)
	require.Equal(t, "web", got[1].Scope)
	require.Equal(t, ScopeGeneral, got[2].Scope)
	require.Equal(t, "/env/pre-deploy.sh", got[2].Path)
}

func TestParseHookName(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		scope string
		ok    bool
	}{
		{"pre-deploy", StagePreDeploy, ScopeGeneral, true},
		{"pre-deploy.sh", StagePreDeploy, ScopeGeneral, true},
		{"pre-deploy.web", StagePreDeploy, "web", true},
		{"pre-deploy.web.sh", StagePreDeploy, "web", true},
		{"post-deploy.sh", StagePreDeploy, "", false},
		{"pre-deploy.", StagePreDeploy, "", false},
		{".pre-deploy.sh", StagePreDeploy, "", false},
		{"predeploy.sh", StagePreDeploy, "", false},
		{"post-deploy.db.sh", StagePostDeploy, "db", true},
	}
	for _, tt := range tests {
		scope, ok := parseHookName(tt.name, tt.stage)
		require.Equal(t, tt.ok, ok, tt.name)
		require.Equal(t, tt.scope, scope, tt.name)
	}
}

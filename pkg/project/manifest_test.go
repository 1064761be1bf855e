package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fullManifestYAML = `
version: "1"
project: Alpha Storefront
services:
  - web
  - worker
deploy:
  command: ["/usr/local/bin/deploy-alpha", "--no-cache"]
  timeout: 45m
hooks:
  timeout: 2m
`

func TestLoadFromBytes_FullManifest(t *testing.T) {
	m, err := LoadFromBytes([]byte(fullManifestYAML), "project.yaml")
	require.NoError(t, err)

	require.Equal(t, "1", m.Version)
	require.Equal(t, "Alpha Storefront", m.Project)
	require.Equal(t, []string{"web", "worker"}, m.Services)
	require.Equal(t, []string{"/usr/local/bin/deploy-alpha", "--no-cache"}, m.DeployCommand())

	dt, ok := m.DeployTimeout()
	require.True(t, ok)
	require.Equal(t, 45*time.Minute, dt)

	ht, ok := m.HookTimeout()
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, ht)

	require.True(t, m.DeclaresService("web"))
	require.False(t, m.DeclaresService("db"))
}

func TestLoadFromBytes_AppliesDefaults(t *testing.T) {
	m, err := LoadFromBytes([]byte("services: [web]\n"), "project.yaml")
	require.NoError(t, err)
	require.Equal(t, "1", m.Version)

	_, ok := m.DeployTimeout()
	require.False(t, ok)
	require.Nil(t, m.DeployCommand())
}

func TestLoadFromBytes_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromBytes([]byte("version: \"1\"\nreplicas: 3\n"), "project.yaml")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadFromBytes_RejectsBadServiceName(t *testing.T) {
	_, err := LoadFromBytes([]byte("services: [\"Web Frontend\"]\n"), "project.yaml")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadFromBytes_RejectsBadTimeout(t *testing.T) {
	_, err := LoadFromBytes([]byte("deploy:\n  timeout: \"45 minutes\"\n"), "project.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "deploy.timeout")
}

func TestLoadFromBytes_RejectsEmpty(t *testing.T) {
	_, err := LoadFromBytes([]byte("   \n"), "project.yaml")
	require.Error(t, err)
}

func TestLoadFromBytes_JSONManifest(t *testing.T) {
	data := []byte(`{"version": "1", "services": ["web"], "hooks": {"timeout": "30s"}}`)
	m, err := LoadFromBytes(data, "project.json")
	require.NoError(t, err)
	require.Equal(t, []string{"web"}, m.Services)

	ht, ok := m.HookTimeout()
	require.True(t, ok)
	require.Equal(t, 30*time.Second, ht)
}

func TestLoadDir_MissingManifestIsNotAnError(t *testing.T) {
	m, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestLoadDir_FindsManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte("services: [api]\n"), 0644))

	m, err := LoadDir(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, []string{"api"}, m.Services)
}

func TestLoadDir_PrefersYAMLOverJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte("project: from-yaml\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.json"), []byte(`{"project": "from-json"}`), 0644))

	m, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "from-yaml", m.Project)
}

func TestNilManifestGetters(t *testing.T) {
	var m *Manifest
	require.Nil(t, m.DeployCommand())
	_, ok := m.DeployTimeout()
	require.False(t, ok)
	_, ok = m.HookTimeout()
	require.False(t, ok)
	require.False(t, m.DeclaresService("web"))
}

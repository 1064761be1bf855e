// Package project loads the optional per-project manifest (project.yaml)
// that lives alongside a project's hooks. The manifest announces service
// scopes and may override how the project is deployed; projects without one
// get engine defaults.
package project

import (
	"fmt"
	"time"
)

// ManifestNames are the file names probed inside a project's hook directory,
// in preference order.
var ManifestNames = []string{"project.yaml", "project.yml", "project.json"}

// Manifest is the typed form of project.yaml.
type Manifest struct {
	// Version is the manifest schema version. Defaults to "1".
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Project is a display name; informational only.
	Project string `json:"project,omitempty" yaml:"project,omitempty"`

	// Services announces the scopes this project expects scoped hooks for.
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`

	// Deploy overrides how this project is deployed.
	Deploy *DeploySpec `json:"deploy,omitempty" yaml:"deploy,omitempty"`

	// Hooks overrides hook execution settings.
	Hooks *HookSpec `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// DeploySpec is the per-project deployment override.
type DeploySpec struct {
	// Command replaces the engine's configured deploy command (argv).
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Timeout bounds the deployment, Go duration syntax.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HookSpec is the per-project hook execution override.
type HookSpec struct {
	// Timeout bounds each hook, Go duration syntax.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ApplyDefaults fills optional fields with their defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "1"
	}
}

// Validate checks semantic constraints the JSON schema cannot express.
func (m *Manifest) Validate() error {
	if m.Deploy != nil && m.Deploy.Timeout != "" {
		if _, err := time.ParseDuration(m.Deploy.Timeout); err != nil {
			return fmt.Errorf("deploy.timeout: %w", err)
		}
	}
	if m.Hooks != nil && m.Hooks.Timeout != "" {
		if _, err := time.ParseDuration(m.Hooks.Timeout); err != nil {
			return fmt.Errorf("hooks.timeout: %w", err)
		}
	}
	return nil
}

// DeployCommand returns the project's replacement deploy command, if any.
func (m *Manifest) DeployCommand() []string {
	if m == nil || m.Deploy == nil {
		return nil
	}
	return m.Deploy.Command
}

// DeployTimeout returns the parsed deploy timeout override.
func (m *Manifest) DeployTimeout() (time.Duration, bool) {
	if m == nil || m.Deploy == nil || m.Deploy.Timeout == "" {
		return 0, false
	}
	d, err := time.ParseDuration(m.Deploy.Timeout)
	if err != nil {
		return 0, false
	}
	return d, true
}

// HookTimeout returns the parsed per-hook timeout override.
func (m *Manifest) HookTimeout() (time.Duration, bool) {
	if m == nil || m.Hooks == nil || m.Hooks.Timeout == "" {
		return 0, false
	}
	d, err := time.ParseDuration(m.Hooks.Timeout)
	if err != nil {
		return 0, false
	}
	return d, true
}

// DeclaresService reports whether the manifest announces the named scope.
// A nil manifest declares nothing.
func (m *Manifest) DeclaresService(name string) bool {
	if m == nil {
		return false
	}
	for _, s := range m.Services {
		if s == name {
			return true
		}
	}
	return false
}

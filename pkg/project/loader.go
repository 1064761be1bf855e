package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a project manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. After loading, the manifest is validated against the JSON schema and
// defaults are applied.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project manifest not found: %s", path)
		}
		return nil, fmt.Errorf("read project manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadDir probes a project's hook directory for a manifest. A project
// without one is normal; LoadDir returns (nil, nil) in that case.
func LoadDir(dir string) (*Manifest, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("probe project manifest: %w", err)
		}
		return Load(path)
	}
	return nil, nil
}

// LoadFromBytes parses and validates a manifest from raw bytes.
//
// Validation runs on the raw data (converted to JSON) before parsing into
// the typed struct, so unknown fields are rejected rather than silently
// dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("project manifest is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	m, err := parseManifest(data, path)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseManifest(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in project manifest: %w", err)
		}
		return &m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in project manifest: %w", err)
	}
	return &m, nil
}

// toJSON converts the input data to JSON for schema validation. YAML is a
// superset of JSON, so unknown extensions go through the YAML path.
func toJSON(data []byte, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in project manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in project manifest: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert project manifest to JSON: %w", err)
	}
	return jsonData, nil
}

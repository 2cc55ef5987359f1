package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Manifest describes a skill package exposed to the agent as one tool.
type Manifest struct {
	Metadata    Metadata    `yaml:"metadata" toml:"metadata"`
	Runtime     RuntimeSpec `yaml:"runtime" toml:"runtime"`
	Tool        ToolSpec    `yaml:"tool" toml:"tool"`
	Permissions []string    `yaml:"permissions" toml:"permissions"`
}

type Metadata struct {
	Name        string   `yaml:"name" toml:"name"`
	Version     string   `yaml:"version" toml:"version"`
	Description string   `yaml:"description" toml:"description"`
	Author      string   `yaml:"author" toml:"author"`
	Tags        []string `yaml:"tags,omitempty" toml:"tags"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode" toml:"mode"`
	Module      string `yaml:"module" toml:"module"`
	Entrypoint  string `yaml:"entrypoint" toml:"entrypoint"`
	HostVersion string `yaml:"host_version" toml:"host_version"`
}

// ToolSpec is what the agent sees. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `yaml:"name" toml:"name"`
	Description string         `yaml:"description" toml:"description"`
	Parameters  map[string]any `yaml:"parameters,omitempty" toml:"parameters"`
}

const (
	DefaultEntrypoint = "_start"
	PermissionLog     = "host:log"
)

var toolName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Load reads a manifest from disk. Files ending in .toml are decoded as
// TOML, anything else as YAML.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &m); err != nil {
			return Manifest{}, fmt.Errorf("decode toml manifest: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode yaml manifest: %w", err)
	}
	if m.Runtime.Entrypoint == "" {
		m.Runtime.Entrypoint = DefaultEntrypoint
	}
	if m.Tool.Parameters == nil {
		m.Tool.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if !toolName.MatchString(m.Tool.Name) {
		return fmt.Errorf("tool.name %q must match %s", m.Tool.Name, toolName)
	}
	if strings.TrimSpace(m.Tool.Description) == "" {
		return fmt.Errorf("tool.description is required")
	}
	if m.Tool.Parameters != nil {
		if typ, _ := m.Tool.Parameters["type"].(string); typ != "object" {
			return fmt.Errorf("tool.parameters must be a JSON schema of type object")
		}
	}
	return nil
}

// Allows reports whether the manifest grants perm.
func (m Manifest) Allows(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

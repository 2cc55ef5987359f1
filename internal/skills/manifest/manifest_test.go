package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: timer
  version: 0.1.0
  description: Timer skill
  author: Loqa Labs
runtime:
  mode: wasm
  module: build/timer.wasm
  host_version: v1
tool:
  name: set_timer
  description: Start a countdown timer.
  parameters:
    type: object
    properties:
      seconds:
        type: integer
    required: [seconds]
permissions:
  - host:log
`

const validTOML = `permissions = []

[metadata]
name = "smart-home"
version = "0.2.0"

[runtime]
mode = "wasm"
module = "build/smart_home.wasm"
entrypoint = "handle"

[tool]
name = "lights"
description = "Switch lights on or off."
`

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateValidManifest(t *testing.T) {
	m, err := Load(write(t, "skill.yaml", validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Runtime.Entrypoint != DefaultEntrypoint {
		t.Fatalf("expected default entrypoint, got %q", m.Runtime.Entrypoint)
	}
	if !m.Allows(PermissionLog) {
		t.Fatal("expected host:log permission")
	}
	props, _ := m.Tool.Parameters["properties"].(map[string]any)
	if _, ok := props["seconds"]; !ok {
		t.Fatalf("unexpected parameters %+v", m.Tool.Parameters)
	}
}

func TestLoadTOML(t *testing.T) {
	m, err := Load(write(t, "skill.toml", validTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Tool.Name != "lights" || m.Runtime.Entrypoint != "handle" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Tool.Parameters["type"] != "object" {
		t.Fatalf("expected default object schema, got %+v", m.Tool.Parameters)
	}
	if m.Allows(PermissionLog) {
		t.Fatal("no permissions were granted")
	}
}

func TestValidateMissingFields(t *testing.T) {
	m := Manifest{}
	if err := Validate(m); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateUnsupportedMode(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Runtime:  RuntimeSpec{Mode: "python"},
		Tool:     ToolSpec{Name: "x", Description: "x"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for unsupported runtime")
	}
}

func TestValidateToolBlock(t *testing.T) {
	base := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Runtime:  RuntimeSpec{Mode: "wasm", Module: "x.wasm"},
	}
	cases := map[string]ToolSpec{
		"missing name":     {Description: "d"},
		"bad name":         {Name: "has space", Description: "d"},
		"no description":   {Name: "ok"},
		"non-object input": {Name: "ok", Description: "d", Parameters: map[string]any{"type": "string"}},
	}
	for name, spec := range cases {
		m := base
		m.Tool = spec
		if err := Validate(m); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

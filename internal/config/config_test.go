package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.FinalizeGraceMS != 100 {
		t.Fatalf("expected 100ms finalize grace, got %d", cfg.Session.FinalizeGraceMS)
	}
	if cfg.STT.Mode != "mock" || cfg.LLM.Mode != "mock" || cfg.TTS.Mode != "mock" {
		t.Fatalf("expected mock adapters by default, got %s/%s/%s", cfg.STT.Mode, cfg.LLM.Mode, cfg.TTS.Mode)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_SESSION_HISTORY_TURNS", "3")
	t.Setenv("LOQA_SESSION_FINALIZE_GRACE_MS", "250")
	t.Setenv("LOQA_TTS_CHUNKING", "immediate")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Session.HistoryTurns != 3 || cfg.Session.FinalizeGraceMS != 250 {
		t.Fatalf("expected session overrides, got %+v", cfg.Session)
	}
	if cfg.TTS.Chunking != "immediate" {
		t.Fatalf("expected chunking override, got %s", cfg.TTS.Chunking)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
}

func TestVendorSecretsResolvedOnce(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "deepgram")
	t.Setenv("LOQA_TTS_MODE", "deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.APIKey != "dg-key" || cfg.TTS.APIKey != "dg-key" {
		t.Fatalf("expected deepgram key fallback, got %q/%q", cfg.STT.APIKey, cfg.TTS.APIKey)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected openai key fallback, got %q", cfg.LLM.APIKey)
	}
}

func TestExplicitKeyWinsOverFallback(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "assemblyai")
	t.Setenv("LOQA_STT_API_KEY", "explicit")
	t.Setenv("ASSEMBLYAI_API_KEY", "ambient")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.APIKey != "explicit" {
		t.Fatalf("expected explicit key, got %q", cfg.STT.APIKey)
	}
}

func TestHostedModeRequiresKey(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "assemblyai")
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for missing assemblyai key")
	}
}

func TestLoadYAMLAndTOML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "voice.yaml")
	yamlDoc := "runtime_name: yaml-voice\nsession:\n  history_turns: 4\ntts:\n  chunking: immediate\n"
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.RuntimeName != "yaml-voice" || cfg.Session.HistoryTurns != 4 || cfg.TTS.Chunking != "immediate" {
		t.Fatalf("unexpected yaml config: %+v", cfg)
	}
	if cfg.Session.QueueSize != 8 {
		t.Fatalf("expected defaults to survive partial file, got queue %d", cfg.Session.QueueSize)
	}

	tomlPath := filepath.Join(dir, "voice.toml")
	tomlDoc := "runtime_name = \"toml-voice\"\n\n[stt]\nsample_rate = 8000\n\n[session]\nclose_grace_ms = 2000\n"
	if err := os.WriteFile(tomlPath, []byte(tomlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.RuntimeName != "toml-voice" || cfg.STT.SampleRate != 8000 || cfg.Session.CloseGraceMS != 2000 {
		t.Fatalf("unexpected toml config: %+v", cfg)
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.LLM.Mode = "telepathy"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown llm mode")
	}
	cfg = Default()
	cfg.TTS.Chunking = "paragraph"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown chunking policy")
	}
	cfg = Default()
	cfg.Session.CloseGraceMS = 10
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for close grace below finalize grace")
	}
}

func TestBusRequiresNodeIdentity(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = true
	if err := validate(cfg); err != nil {
		t.Fatalf("default node should validate: %v", err)
	}
	cfg.Node.ID = ""
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for empty node id")
	}
	cfg = Default()
	cfg.Bus.Enabled = true
	cfg.Node.HeartbeatTimeout = cfg.Node.HeartbeatInterval
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for timeout not above interval")
	}
}

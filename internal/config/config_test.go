package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  url: wss://example.com/session
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.ReconnectDelayMs != 1000 {
		t.Errorf("reconnect delay = %d", cfg.Endpoint.ReconnectDelayMs)
	}
	if cfg.Session.Mode != "default" {
		t.Errorf("mode = %q", cfg.Session.Mode)
	}
	if cfg.Storage.StateDir != "/var/lib/chatd" {
		t.Errorf("state dir = %q", cfg.Storage.StateDir)
	}
	if cfg.Storage.TranscriptMaxBytes != 5*1024*1024 {
		t.Errorf("transcript max = %d", cfg.Storage.TranscriptMaxBytes)
	}
}

func TestExplicitValuesKept(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  url: wss://example.com/session
  reconnect_delay_ms: 250
session:
  mode: plan
  model: opus
  max_turns: 20
  allowed_tools: [Read, Grep]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.ReconnectDelayMs != 250 {
		t.Errorf("reconnect delay = %d", cfg.Endpoint.ReconnectDelayMs)
	}
	if cfg.Session.Mode != "plan" || cfg.Session.Model != "opus" || cfg.Session.MaxTurns != 20 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if len(cfg.Session.AllowedTools) != 2 {
		t.Errorf("allowed tools = %v", cfg.Session.AllowedTools)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  url: wss://example.com/session
  token: from-file
`)
	t.Setenv("CHATD_ENDPOINT_TOKEN", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Token != "from-env" {
		t.Errorf("token = %q", cfg.Endpoint.Token)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config loaded")
	}
}

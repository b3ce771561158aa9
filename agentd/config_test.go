package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.Monitor.Enabled {
		t.Error("monitor should default to enabled")
	}
	if cfg.Delivery.BatchLimit != 5 {
		t.Errorf("batch limit = %d, want 5", cfg.Delivery.BatchLimit)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
dev_mode: true
identity:
  agent_id: agent-a
  inbound_stream: a-inbox
  outbound_stream: a-outbox
monitor:
  auto_accept: true
  poll_interval_seconds: 7
delivery:
  batch_limit: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.DevMode {
		t.Error("dev_mode not loaded")
	}
	if cfg.Identity.AgentID != "agent-a" {
		t.Errorf("agent id = %q", cfg.Identity.AgentID)
	}
	if cfg.Monitor.PollIntervalSeconds != 7 {
		t.Errorf("poll interval = %d, want 7", cfg.Monitor.PollIntervalSeconds)
	}
	if cfg.Delivery.BatchLimit != 2 {
		t.Errorf("batch limit = %d, want 2", cfg.Delivery.BatchLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate failed: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration for missing identity", err)
	}

	cfg.Identity = testIdentity()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	cfg.Monitor.Fee = &FeeSchedule{FlatAmount: -1}
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration for negative fee", err)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("identity: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

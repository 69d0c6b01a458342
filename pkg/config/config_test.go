package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.SpoolDir[len(cfg.SpoolDir)-1] != '/' {
		t.Fatalf("expected trailing separator on default spool-dir, got %q", cfg.SpoolDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pxp-agent.yaml")
	body := "app_name: test-agent\nbroker-url: wss://broker.example/pxp/\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "test-agent" {
		t.Fatalf("unexpected app_name: %q", cfg.AppName)
	}
	if cfg.BrokerURL != "wss://broker.example/pxp/" {
		t.Fatalf("unexpected broker-url: %q", cfg.BrokerURL)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log.level: %q", cfg.Log.Level)
	}
	// unset fields fall back to defaults
	if cfg.HeartbeatPeriodSeconds != Default().HeartbeatPeriodSeconds {
		t.Fatalf("expected default heartbeat period, got %d", cfg.HeartbeatPeriodSeconds)
	}
}

func TestValidateClampsNonPositiveMaxReconnectAttempts(t *testing.T) {
	cfg := Default()
	cfg.MaxReconnectAttempts = 0
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Fatalf("expected clamp to default of 10, got %d", cfg.MaxReconnectAttempts)
	}
}

func TestLoadRejectsEmptyBrokerURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pxp-agent.yaml")
	if err := os.WriteFile(path, []byte("broker-url: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty broker-url")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PXP_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected env override to win, got %q", cfg.Log.Level)
	}
}

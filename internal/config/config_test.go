package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  auth_token: "gateway-secret"
sessions:
  dir: "/var/lib/gateway/sessions"
transport:
  bridge_url: "ws://bridge:3200/session"
connect:
  reconnect_max_attempts: 3
feed:
  allowed_origins:
    - "https://panel.example.com"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "gateway-secret" {
		t.Errorf("Server.AuthToken = %q, want gateway-secret", cfg.Server.AuthToken)
	}
	if cfg.Sessions.Dir != "/var/lib/gateway/sessions" {
		t.Errorf("Sessions.Dir = %q, want /var/lib/gateway/sessions", cfg.Sessions.Dir)
	}
	if cfg.Transport.BridgeURL != "ws://bridge:3200/session" {
		t.Errorf("Transport.BridgeURL = %q", cfg.Transport.BridgeURL)
	}
	if cfg.Connect.ReconnectMaxAttempts != 3 {
		t.Errorf("Connect.ReconnectMaxAttempts = %d, want 3", cfg.Connect.ReconnectMaxAttempts)
	}
	if len(cfg.Feed.AllowedOrigins) != 1 || cfg.Feed.AllowedOrigins[0] != "https://panel.example.com" {
		t.Errorf("Feed.AllowedOrigins = %v", cfg.Feed.AllowedOrigins)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Connect.ReconnectDelay != 5*time.Second {
		t.Errorf("Connect.ReconnectDelay = %v, want default 5s", cfg.Connect.ReconnectDelay)
	}
	if cfg.Connect.QRValidFor != 5*time.Minute {
		t.Errorf("Connect.QRValidFor = %v, want default 5m", cfg.Connect.QRValidFor)
	}
	if cfg.Dispatch.Pace != time.Second {
		t.Errorf("Dispatch.Pace = %v, want default 1s", cfg.Dispatch.Pace)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want default 30s", cfg.Sync.Interval)
	}
	if cfg.Cleanup.IdleThreshold != 30*time.Minute {
		t.Errorf("Cleanup.IdleThreshold = %v, want default 30m", cfg.Cleanup.IdleThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want default 8090", cfg.Server.Port)
	}
	if cfg.Connect.ReconnectDelay != 5*time.Second {
		t.Errorf("Connect.ReconnectDelay = %v, want default 5s", cfg.Connect.ReconnectDelay)
	}
	if cfg.Feed.SnapshotInterval != 5*time.Second {
		t.Errorf("Feed.SnapshotInterval = %v, want default 5s", cfg.Feed.SnapshotInterval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

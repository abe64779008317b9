package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Connect   ConnectConfig   `yaml:"connect"`
	Sync      SyncConfig      `yaml:"sync"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Feed      FeedConfig      `yaml:"feed"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	AuthToken string `yaml:"auth_token"`
}

type SessionsConfig struct {
	// Dir is the base directory for per-instance credential material.
	Dir string `yaml:"dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TransportConfig struct {
	// BridgeURL is the websocket endpoint of the protocol sidecar.
	BridgeURL string `yaml:"bridge_url"`
}

type ConnectConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	IdentityAttempts     int           `yaml:"identity_attempts"`
	IdentityDelay        time.Duration `yaml:"identity_delay"`
	QRValidFor           time.Duration `yaml:"qr_valid_for"`
}

type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	LastSeenTolerance time.Duration `yaml:"last_seen_tolerance"`
}

type CleanupConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

type DispatchConfig struct {
	// Pace is the fixed delay between broadcast sends.
	Pace time.Duration `yaml:"pace"`
}

type FeedConfig struct {
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8090,
			Host: "0.0.0.0",
		},
		Sessions: SessionsConfig{
			Dir: "sessions",
		},
		Store: StoreConfig{
			Path: "data/instances.json",
		},
		Transport: TransportConfig{
			BridgeURL: "ws://127.0.0.1:3101/session",
		},
		Connect: ConnectConfig{
			ReconnectDelay:       5 * time.Second,
			ReconnectMaxDelay:    80 * time.Second,
			ReconnectMaxAttempts: 5,
			IdentityAttempts:     5,
			IdentityDelay:        time.Second,
			QRValidFor:           5 * time.Minute,
		},
		Sync: SyncConfig{
			Interval:          30 * time.Second,
			LastSeenTolerance: 60 * time.Second,
		},
		Cleanup: CleanupConfig{
			Interval:      5 * time.Minute,
			IdleThreshold: 30 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Pace: time.Second,
		},
		Feed: FeedConfig{
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
		},
	}
}

// LoadOrDefault loads the file when it exists and falls back to defaults
// when it does not. Parse errors are still reported.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

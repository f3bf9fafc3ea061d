package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayWSURL != "ws://localhost:8080/ws/device" {
		t.Fatalf("relay ws url = %q", cfg.RelayWSURL)
	}
	if cfg.HeartbeatInterval != 60*time.Second {
		t.Fatalf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.RetryDelay != 5*time.Second || cfg.MaxRetries != 5 {
		t.Fatalf("retry policy = %s / %d", cfg.RetryDelay, cfg.MaxRetries)
	}
	if cfg.DeviceName == "" {
		t.Fatal("device name empty")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_WS_URL", "wss://relay.example.com/ws/device")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("ICE_SERVERS", "stun:stun.example.com:3478,turn:turn.example.com:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayWSURL != "wss://relay.example.com/ws/device" {
		t.Fatalf("relay ws url = %q", cfg.RelayWSURL)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("max retries = %d", cfg.MaxRetries)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ice servers = %v", cfg.ICEServers)
	}
}

func TestLoadYAMLFileWithEnvOnTop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := []byte("relayWsUrl: wss://file.example.com/ws/device\nretryDelay: 2s\nmaxRetries: 7\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_CONFIG", path)
	t.Setenv("MAX_RETRIES", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayWSURL != "wss://file.example.com/ws/device" {
		t.Fatalf("relay ws url = %q", cfg.RelayWSURL)
	}
	if cfg.RetryDelay != 2*time.Second {
		t.Fatalf("retry delay = %s", cfg.RetryDelay)
	}
	if cfg.MaxRetries != 9 {
		t.Fatalf("env override lost: max retries = %d", cfg.MaxRetries)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the agent needs to reach the relay and run its
// local services. Values come from an optional YAML file with env-var
// overrides on top.
type Config struct {
	Environment string `yaml:"environment"`

	// RelayWSURL is the relay signaling endpoint, e.g. wss://relay/ws/device.
	RelayWSURL string `yaml:"relayWsUrl"`
	// RelayAPIURL is the relay REST base for registration calls.
	RelayAPIURL string `yaml:"relayApiUrl"`

	DeviceName      string `yaml:"deviceName"`
	RegistrationKey string `yaml:"registrationKey"`
	StorePath       string `yaml:"storePath"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	MaxRetries        int           `yaml:"maxRetries"`
	SessionTokenTTL   time.Duration `yaml:"sessionTokenTtl"`

	ICEServers []string `yaml:"iceServers"`

	DiagAddr       string   `yaml:"diagAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Load reads AGENT_CONFIG (if set) and applies env-var overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:       "development",
		RelayWSURL:        "ws://localhost:8080/ws/device",
		RelayAPIURL:       "http://localhost:8080",
		DeviceName:        hostnameOr("device"),
		StorePath:         "agent.db",
		HeartbeatInterval: 60 * time.Second,
		RetryDelay:        5 * time.Second,
		MaxRetries:        5,
		SessionTokenTTL:   5 * time.Minute,
		DiagAddr:          "127.0.0.1:8081",
	}

	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.RelayWSURL = getEnv("RELAY_WS_URL", cfg.RelayWSURL)
	cfg.RelayAPIURL = getEnv("RELAY_API_URL", cfg.RelayAPIURL)
	cfg.DeviceName = getEnv("DEVICE_NAME", cfg.DeviceName)
	cfg.RegistrationKey = getEnv("REGISTRATION_KEY", cfg.RegistrationKey)
	cfg.StorePath = getEnv("STORE_PATH", cfg.StorePath)
	cfg.DiagAddr = getEnv("DIAG_ADDR", cfg.DiagAddr)

	cfg.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.RetryDelay = getDuration("RETRY_DELAY", cfg.RetryDelay)
	cfg.MaxRetries = getInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.SessionTokenTTL = getDuration("SESSION_TOKEN_TTL", cfg.SessionTokenTTL)

	if v := os.Getenv("ICE_SERVERS"); v != "" {
		cfg.ICEServers = strings.Split(v, ",")
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}

	return cfg, nil
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

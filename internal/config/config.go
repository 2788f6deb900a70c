package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/journal"
)

type Config struct {
	BindAddr        string
	NodeID          string
	ShutdownTimeout time.Duration
	MetricsNS       string
	AllowAnyOrigin  bool

	SessionSweepInterval  time.Duration
	RoomHeartbeatInterval time.Duration
	FanoutTimeout         time.Duration
	MailboxSize           int

	JournalBackend       string
	JournalAppendRetries int
	DatabaseURL          string
	RedisURL             string
	RedisPrefix          string

	ClusterMode              string
	NATSURL                  string
	ClusterSubjectPrefix     string
	ClusterHeartbeatInterval time.Duration
	ClusterNodeTTL           time.Duration
	ClusterCallTimeout       time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		NodeID:               stringsTrimSpace("APP_NODE_ID"),
		MetricsNS:            envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		JournalBackend:       strings.ToLower(envOrDefault("JOURNAL_BACKEND", "auto")),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		RedisPrefix:          envOrDefault("REDIS_JOURNAL_PREFIX", "parley:journal"),
		ClusterMode:          strings.ToLower(envOrDefault("CLUSTER_MODE", "local")),
		NATSURL:              envOrDefault("NATS_URL", "nats://localhost:4222"),
		ClusterSubjectPrefix: envOrDefault("CLUSTER_SUBJECT_PREFIX", "parley"),
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err == nil {
			cfg.NodeID = host
		}
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RoomHeartbeatInterval, err = durationFromEnv("ROOM_HEARTBEAT_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.FanoutTimeout, err = durationFromEnv("FANOUT_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MailboxSize, err = intFromEnv("ENTITY_MAILBOX_SIZE", 64); err != nil {
		return Config{}, err
	}
	if cfg.JournalAppendRetries, err = intFromEnv("JOURNAL_APPEND_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.ClusterHeartbeatInterval, err = durationFromEnv("CLUSTER_HEARTBEAT_INTERVAL", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ClusterNodeTTL, err = durationFromEnv("CLUSTER_NODE_TTL", 6*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ClusterCallTimeout, err = durationFromEnv("CLUSTER_CALL_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("APP_NODE_ID is required when the hostname is unavailable")
	}
	if c.SessionSweepInterval < time.Second {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be at least 1s, got %s", c.SessionSweepInterval)
	}
	if c.RoomHeartbeatInterval < 0 {
		return fmt.Errorf("ROOM_HEARTBEAT_INTERVAL must not be negative")
	}
	if c.FanoutTimeout <= 0 {
		return fmt.Errorf("FANOUT_TIMEOUT must be positive")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("ENTITY_MAILBOX_SIZE must be positive")
	}
	if c.JournalAppendRetries < 0 {
		return fmt.Errorf("JOURNAL_APPEND_RETRIES must not be negative")
	}
	switch c.JournalBackend {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("JOURNAL_BACKEND must be one of auto, memory, postgres, redis; got %q", c.JournalBackend)
	}
	if c.JournalBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("JOURNAL_BACKEND=postgres requires DATABASE_URL")
	}
	if c.JournalBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("JOURNAL_BACKEND=redis requires REDIS_URL")
	}
	switch c.ClusterMode {
	case "local":
	case "nats":
		if c.ClusterNodeTTL <= c.ClusterHeartbeatInterval {
			return fmt.Errorf("CLUSTER_NODE_TTL (%s) must exceed CLUSTER_HEARTBEAT_INTERVAL (%s)", c.ClusterNodeTTL, c.ClusterHeartbeatInterval)
		}
		if c.ClusterCallTimeout <= 0 {
			return fmt.Errorf("CLUSTER_CALL_TIMEOUT must be positive")
		}
	default:
		return fmt.Errorf("CLUSTER_MODE must be local or nats; got %q", c.ClusterMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// Journal is the journal backend selection derived from c.
func (c Config) Journal() journal.Config {
	return journal.Config{
		Backend:     c.JournalBackend,
		DatabaseURL: c.DatabaseURL,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisPrefix,
	}
}

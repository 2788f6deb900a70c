package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/journal"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_NODE_ID", "node-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.NodeID != "node-a" {
		t.Fatalf("unexpected bind/node: %q %q", cfg.BindAddr, cfg.NodeID)
	}
	if cfg.SessionSweepInterval != 15*time.Second {
		t.Fatalf("SessionSweepInterval = %s, want 15s", cfg.SessionSweepInterval)
	}
	if cfg.RoomHeartbeatInterval != 5*time.Second {
		t.Fatalf("RoomHeartbeatInterval = %s, want 5s", cfg.RoomHeartbeatInterval)
	}
	if cfg.JournalBackend != "auto" || cfg.ClusterMode != "local" {
		t.Fatalf("unexpected backend/mode: %q %q", cfg.JournalBackend, cfg.ClusterMode)
	}
	if cfg.JournalAppendRetries != 3 {
		t.Fatalf("JournalAppendRetries = %d, want 3", cfg.JournalAppendRetries)
	}
}

func TestLoadNATSMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_NODE_ID", "node-a")
	t.Setenv("CLUSTER_MODE", "NATS")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("CLUSTER_HEARTBEAT_INTERVAL", "1s")
	t.Setenv("CLUSTER_NODE_TTL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ClusterMode != "nats" || cfg.NATSURL != "nats://nats:4222" {
		t.Fatalf("unexpected cluster config: %+v", cfg)
	}
}

func TestJournalCarriesRedisSettings(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_NODE_ID", "node-a")
	t.Setenv("JOURNAL_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("REDIS_JOURNAL_PREFIX", "chat:journal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	jc := cfg.Journal()
	if jc.Backend != "redis" || jc.RedisURL != "redis://cache:6379/0" || jc.RedisPrefix != "chat:journal" {
		t.Fatalf("Journal() = %+v", jc)
	}
	if got := journal.ResolveBackend(jc); got != "redis" {
		t.Fatalf("ResolveBackend() = %q, want redis", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"short sweep", map[string]string{"SESSION_SWEEP_INTERVAL": "100ms"}, "SESSION_SWEEP_INTERVAL"},
		{"negative retries", map[string]string{"JOURNAL_APPEND_RETRIES": "-1"}, "JOURNAL_APPEND_RETRIES"},
		{"unknown backend", map[string]string{"JOURNAL_BACKEND": "sqlite"}, "JOURNAL_BACKEND"},
		{"postgres without url", map[string]string{"JOURNAL_BACKEND": "postgres"}, "DATABASE_URL"},
		{"unknown mode", map[string]string{"CLUSTER_MODE": "etcd"}, "CLUSTER_MODE"},
		{"ttl below heartbeat", map[string]string{"CLUSTER_MODE": "nats", "CLUSTER_NODE_TTL": "1s"}, "CLUSTER_NODE_TTL"},
		{"bad duration", map[string]string{"FANOUT_TIMEOUT": "soon"}, "FANOUT_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("APP_NODE_ID", "node-a")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_NODE_ID",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_SWEEP_INTERVAL",
		"ROOM_HEARTBEAT_INTERVAL",
		"FANOUT_TIMEOUT",
		"ENTITY_MAILBOX_SIZE",
		"JOURNAL_BACKEND",
		"JOURNAL_APPEND_RETRIES",
		"DATABASE_URL",
		"REDIS_URL",
		"REDIS_JOURNAL_PREFIX",
		"CLUSTER_MODE",
		"NATS_URL",
		"CLUSTER_SUBJECT_PREFIX",
		"CLUSTER_HEARTBEAT_INTERVAL",
		"CLUSTER_NODE_TTL",
		"CLUSTER_CALL_TIMEOUT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

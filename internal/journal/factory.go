package journal

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a journal backend.
type Config struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string
}

// ResolveBackend maps "auto" onto a concrete backend: postgres when a database
// is configured, then redis, otherwise in-memory.
func ResolveBackend(cfg Config) string {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend != "" && backend != "auto" {
		return backend
	}
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.RedisURL) != "":
		return "redis"
	default:
		return "memory"
	}
}

// NewStore creates the configured journal backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch backend := ResolveBackend(cfg); backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("journal backend postgres requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("journal backend redis requires REDIS_URL")
		}
		return NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown journal backend %q", backend)
	}
}

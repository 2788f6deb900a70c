package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/cluster"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/journal"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/placement"
	"github.com/ent0n29/parley/internal/session"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Chat      *chat.Service
	Registry  *placement.Registry
	Journal   journal.Store
	Directory directory.Store
	Network   cluster.Network
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown: it ends sessions, stops local
	// entities and releases the cluster and storage connections.
	Cleanup func() error
}

// NewNetwork joins the cluster configured by cfg. Local mode runs a
// single-node in-process network.
func NewNetwork(cfg config.Config) (cluster.Network, error) {
	self := cluster.Node{ID: cluster.NodeID(cfg.NodeID), Kind: cluster.KindPlacement}
	switch cfg.ClusterMode {
	case "", "local":
		return cluster.NewHub().Join(self), nil
	case "nats":
		return cluster.NewNATSNetwork(self, cluster.NATSConfig{
			URL:               cfg.NATSURL,
			SubjectPrefix:     cfg.ClusterSubjectPrefix,
			HeartbeatInterval: cfg.ClusterHeartbeatInterval,
			NodeTTL:           cfg.ClusterNodeTTL,
			CallTimeout:       cfg.ClusterCallTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown cluster mode %q", cfg.ClusterMode)
	}
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNS)

	store, err := journal.NewStore(ctx, cfg.Journal())
	if err != nil {
		return nil, fmt.Errorf("journal init failed: %w", err)
	}

	dir, err := directory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("directory init failed: %w", err)
	}

	network, err := NewNetwork(cfg)
	if err != nil {
		_ = dir.Close()
		_ = store.Close()
		return nil, fmt.Errorf("cluster init failed: %w", err)
	}

	registry, err := placement.NewRegistry(network, placement.Options{
		MailboxSize:   cfg.MailboxSize,
		LookupTimeout: cfg.ClusterCallTimeout,
		Metrics:       metrics,
	})
	if err != nil {
		_ = network.Close()
		_ = dir.Close()
		_ = store.Close()
		return nil, fmt.Errorf("placement init failed: %w", err)
	}

	chatService := chat.NewService(registry, store, dir, metrics, chat.Config{
		HeartbeatInterval: cfg.RoomHeartbeatInterval,
		FanoutTimeout:     cfg.FanoutTimeout,
		AppendRetries:     cfg.JournalAppendRetries,
	})

	sessions := session.NewManager(chatService, cfg.SessionSweepInterval, metrics)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, chatService, sessions, registry, dir, metrics)

	cleanup := func() error {
		sessions.Shutdown()
		registry.Shutdown()
		var errs []string
		if err := network.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := dir.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Chat:      chatService,
		Registry:  registry,
		Journal:   store,
		Directory: dir,
		Network:   network,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

// =============================================================================
// SERVE COMMAND - RUN THE BROKER
// =============================================================================
//
// Startup order:
//
//   config ──► logger ──► storage recovery ──► replication ──► broker
//          ──► metrics ──► HTTP listeners ──► leadership bootstrap
//
// This build runs standalone: the broker assumes leadership of every
// partition with itself as the only replica. A bootstrap loop re-asserts
// leadership each second so topics created at runtime start taking writes
// without a restart. Clustered operation feeds ApplyDirective from an
// external controller instead.
//
// Shutdown on SIGINT/SIGTERM drains the HTTP listeners first so in-flight
// produces finish, then stops the background loops and closes the logs.
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smilinTux/forgeprint-sub003/internal/api"
	"github.com/smilinTux/forgeprint-sub003/internal/broker"
	"github.com/smilinTux/forgeprint-sub003/internal/config"
	"github.com/smilinTux/forgeprint-sub003/internal/group"
	"github.com/smilinTux/forgeprint-sub003/internal/metrics"
	"github.com/smilinTux/forgeprint-sub003/internal/offsets"
	"github.com/smilinTux/forgeprint-sub003/internal/replication"
	"github.com/smilinTux/forgeprint-sub003/internal/storage"
	"github.com/smilinTux/forgeprint-sub003/internal/txn"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "",
		"Path to YAML config file (defaults apply without one)")
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg.Log)
	logger.Info("starting broker",
		"node_id", cfg.NodeID,
		"data_dir", cfg.DataDir,
		"version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logs, err := storage.NewManager(storage.ManagerConfig{
		DataDir: cfg.DataDir,
		Segment: storage.SegmentConfig{
			MaxSegmentBytes:    cfg.Storage.SegmentMaxBytes,
			MaxSegmentAge:      cfg.Storage.SegmentMaxAge.Std(),
			IndexIntervalBytes: cfg.Storage.IndexIntervalBytes,
			SyncInterval:       cfg.Storage.SyncInterval.Std(),
		},
		RetentionInterval: cfg.Storage.RetentionInterval.Std(),
		DefaultTopic: storage.TopicConfig{
			Partitions:     cfg.Storage.DefaultPartitions,
			Cleanup:        storage.CleanupDelete,
			RetentionAge:   cfg.Storage.DefaultRetentionAge.Std(),
			RetentionBytes: cfg.Storage.DefaultRetentionSize,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	replConfig := replication.DefaultConfig()
	replConfig.ISR = replication.ISRConfig{
		LagTimeMax: cfg.Replication.LagTimeMax.Std(),
		MinInSync:  cfg.Replication.MinInSync,
	}
	replConfig.AckTimeout = cfg.Replication.AckTimeout.Std()
	replConfig.FetchInterval = cfg.Replication.FetchInterval.Std()
	replConfig.FetchMaxRecords = cfg.Replication.FetchMaxRecords
	replicas := replication.NewManager(replication.NodeID(cfg.NodeID), replConfig, logs, nil, logger)

	brokerConfig := broker.DefaultConfig()
	brokerConfig.FetchMaxRecords = cfg.Replication.FetchMaxRecords
	brokerConfig.Group = group.Config{
		SessionTimeoutMin:     cfg.Group.SessionTimeoutMin.Std(),
		SessionTimeoutMax:     cfg.Group.SessionTimeoutMax.Std(),
		SweepInterval:         group.DefaultConfig().SweepInterval,
		InitialRebalanceDelay: cfg.Group.InitialRebalanceDelay.Std(),
	}
	brokerConfig.Offsets = offsets.DefaultConfig()
	brokerConfig.Offsets.RetentionAge = cfg.Offsets.RetentionAge.Std()
	brokerConfig.Txn = txn.DefaultConfig()
	brokerConfig.Txn.DefaultTimeout = cfg.Txn.DefaultTimeout.Std()
	brokerConfig.Txn.MaxTimeout = cfg.Txn.MaxTimeout.Std()

	b, err := broker.New(brokerConfig, logs, replicas, logger)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry(metrics.Config{
		Enabled:                  cfg.Metrics.Enabled,
		Namespace:                cfg.Metrics.Namespace,
		IncludeRuntimeCollectors: true,
	}, logger)
	b.SetMetrics(registry)

	apiServer := api.NewServer(b, api.ServerConfig{
		Addr:         cfg.ClientAddress,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Group.SessionTimeoutMax.Std() + time.Minute,
		IdleTimeout:  60 * time.Second,
	}, logger)
	opsServer := api.NewOpsServer(cfg.OpsAddress, b, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })
	g.Go(func() error { return assumeLeadership(ctx, b, logs, replication.NodeID(cfg.NodeID), logger) })
	g.Go(func() error { return serveHTTP(apiServer.ListenAndServe) })
	g.Go(func() error { return serveHTTP(opsServer.ListenAndServe) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("client api shutdown", "error", err)
		}
		return opsServer.Shutdown(shutdownCtx)
	})

	logger.Info("broker up",
		"client_address", cfg.ClientAddress,
		"ops_address", cfg.OpsAddress)

	err = g.Wait()
	if closeErr := b.Close(); closeErr != nil {
		logger.Error("close broker", "error", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("broker stopped")
	return nil
}

func serveHTTP(listen func() error) error {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// assumeLeadership is the standalone controller: it makes this node the
// leader of every partition, including partitions of topics created while
// the broker runs. The directive is idempotent at a fixed epoch, so
// re-asserting each second costs nothing for already-led partitions.
func assumeLeadership(ctx context.Context, b *broker.Broker, logs *storage.Manager, self replication.NodeID, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lead := func() {
		for _, tp := range logs.Partitions() {
			err := b.ApplyDirective(replication.ControllerDirective{
				Kind:        replication.DirectiveBecomeLeader,
				Topic:       tp.Topic,
				Partition:   tp.Partition,
				LeaderEpoch: 1,
				Replicas:    []replication.NodeID{self},
			})
			if err != nil {
				logger.Error("assume leadership", "partition", tp.String(), "error", err)
			}
		}
	}

	lead()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lead()
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qcfabric/qcfabric/internal/api"
	"github.com/qcfabric/qcfabric/internal/config"
	"github.com/qcfabric/qcfabric/internal/logging"
	"github.com/qcfabric/qcfabric/internal/metrics"
	"github.com/qcfabric/qcfabric/internal/services"
	"github.com/qcfabric/qcfabric/internal/storage/postgres"
)

func newServerCmd(configPath *string) *cobra.Command {
	server := &cobra.Command{
		Use:   "server",
		Short: "Server lifecycle commands",
	}

	server.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the computation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configPath)
		},
	})

	server.AddCommand(&cobra.Command{
		Use:   "upgrade-db",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpgradeDB(*configPath)
		},
	})

	server.AddCommand(&cobra.Command{
		Use:   "init-config",
		Short: "Write a default qcfabric.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = "qcfabric.yaml"
			}
			if err := config.WriteDefault(path); err != nil {
				return &exitError{code: exitConfigError, err: err}
			}
			fmt.Println("wrote", path)
			return nil
		},
	})

	return server
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitConfigError, err: err}
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

func runUpgradeDB(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logging.WithComponent("migrate")

	ctx := context.Background()
	store, err := postgres.Open(ctx, cfg.Database.DSN, poolOptions(cfg), log)
	if err != nil {
		return &exitError{code: exitDBError, err: err}
	}
	defer func() { _ = store.Close() }()

	if err := store.Upgrade(ctx); err != nil {
		return &exitError{code: exitDBError, err: err}
	}
	log.Info().Msg("database schema is up to date")
	return nil
}

func runServer(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, cfg.Database.DSN, poolOptions(cfg), logging.WithComponent("storage"))
	if err != nil {
		return &exitError{code: exitDBError, err: err}
	}
	defer func() { _ = store.Close() }()

	if err := store.Upgrade(ctx); err != nil {
		return &exitError{code: exitDBError, err: err}
	}

	apiServer := api.NewServer(store, cfg.API.ListenAddress,
		cfg.API.MaxClaimLimit, cfg.API.MaxReturnSize, logging.WithComponent("api"))

	runner := services.NewRunner(store, cfg.Services.Period, cfg.Services.MaxParallel,
		logging.WithComponent("services"),
		services.NewGridoptimizationDriver(logging.WithComponent("gridoptimization")),
		services.NewTorsiondriveDriver(logging.WithComponent("torsiondrive")),
		services.NewNEBDriver(logging.WithComponent("neb")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.ListenAndServe(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return runHeartbeatSweeper(gctx, cfg, store) })

	log.Info().Str("addr", cfg.API.ListenAddress).Msg("qcfabric started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutdown requested")
		return &exitError{code: exitShutdown, err: errors.New("graceful shutdown")}
	}
	return err
}

// runHeartbeatSweeper periodically reclaims work from managers that stopped
// heartbeating.
func runHeartbeatSweeper(ctx context.Context, cfg *config.Config, store *postgres.Store) error {
	log := logging.WithComponent("heartbeat")
	ticker := time.NewTicker(cfg.Heartbeat.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.HeartbeatCutoff())
			res, err := store.SweepInactiveManagers(ctx, cutoff)
			if err != nil {
				log.Error().Err(err).Msg("heartbeat sweep failed")
				continue
			}
			metrics.ManagersSwept.Add(float64(res.ManagersDeactivated))
		}
	}
}

func poolOptions(cfg *config.Config) postgres.Options {
	return postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}
}

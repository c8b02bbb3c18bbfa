package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/config"
	"github.com/LerianStudio/lib-courier/courier/log"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	courierzap "github.com/LerianStudio/lib-courier/courier/zap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "courier",
		Short:         "Buffered, ordered and proactive Telegram message delivery",
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (optional; COURIER_* env vars override it)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRecoverCmd(opts))
	cmd.AddCommand(newDLQCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "courier %s\n", Version)
		},
	}
}

// env is what every subcommand needs: config, a logger and a store client.
type env struct {
	cfg    config.Config
	logger *courierzap.Logger
	store  *courierredis.Client
	rdb    redis.UniversalClient
}

func setup(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := courierzap.New(cfg.Log.Zap())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store, err := cfg.Redis.Connect(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	rdb, err := store.GetClient(ctx)
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("redis client: %w", err)
	}

	return &env{cfg: cfg, logger: logger, store: store, rdb: rdb}, nil
}

func (e *env) close(ctx context.Context) {
	if err := e.store.Close(); err != nil {
		e.logger.Log(ctx, log.LevelWarn, "failed to close redis", log.Err(err))
	}

	_ = e.logger.Sync(ctx)
}

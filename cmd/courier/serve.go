package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/admin"
	"github.com/LerianStudio/lib-courier/courier/ai"
	"github.com/LerianStudio/lib-courier/courier/ingest"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/transport"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive Telegram messages, reply through the responder and run proactive outreach",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.close(context.Background())

	if err := e.cfg.RequireServe(); err != nil {
		return err
	}

	tg, err := transport.NewTelegram(e.cfg.Telegram.Options(), e.logger)
	if err != nil {
		return fmt.Errorf("build telegram transport: %w", err)
	}

	var sender transport.Transport = tg
	if e.cfg.Telegram.Breaker {
		sender = transport.NewBreaker("telegram", tg, transport.DefaultBreakerConfig(), e.logger)
	}

	rt, err := buildRuntime(e, sender)
	if err != nil {
		return err
	}

	listener, err := ingest.New(ingest.LongPolling(tg.Bot(), int(e.cfg.Telegram.PollTimeout.Seconds())), rt, e.logger)
	if err != nil {
		return err
	}

	rt.AddApp("ingest", courier.AppFunc(func(ctx context.Context, _ *courier.Launcher) error {
		return listener.Run(ctx)
	}))

	if e.cfg.Admin.Enabled {
		adminOpts := []admin.Option{
			admin.WithPinger(e.store.Ping),
			admin.WithLogger(e.logger),
		}
		if rt.Proactive != nil {
			adminOpts = append(adminOpts, admin.WithEngagement(rt.Proactive))
		}

		srv, err := admin.New(e.cfg.Admin.Options(), rt.Queue, adminOpts...)
		if err != nil {
			return err
		}

		rt.AddApp("admin", courier.AppFunc(func(ctx context.Context, _ *courier.Launcher) error {
			return srv.Run(ctx)
		}))
	}

	e.logger.Log(ctx, log.LevelInfo, "courier starting", log.String("version", Version))

	return rt.Run(ctx)
}

func buildRuntime(e *env, sender transport.Transport) (*courier.Runtime, error) {
	responder, err := ai.NewResponder(e.cfg.AI.Options(), nil, e.logger)
	if err != nil {
		return nil, err
	}

	rcfg := courier.RuntimeConfig{
		Keys:          e.cfg.Redis.Keys(),
		Buffer:        e.cfg.Buffer.Options(),
		Dispatcher:    e.cfg.Dispatcher.Options(),
		Lock:          e.cfg.Dispatcher.LockOptions(),
		Tasks:         e.cfg.Tasks.Options(),
		MaxPartLength: e.cfg.Queue.MaxPartLength,
		HistoryBudget: e.cfg.Proactive.HistoryBudget,
		Logger:        e.logger,
	}

	if e.cfg.Proactive.Enabled {
		pcfg, err := e.cfg.Proactive.Options()
		if err != nil {
			return nil, err
		}

		rcfg.Proactive = &pcfg
	}

	return courier.NewRuntime(e.rdb, sender, responder, rcfg)
}

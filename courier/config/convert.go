package config

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-courier/courier/admin"
	"github.com/LerianStudio/lib-courier/courier/ai"
	"github.com/LerianStudio/lib-courier/courier/buffer"
	"github.com/LerianStudio/lib-courier/courier/dispatcher"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/proactive"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/tasks"
	"github.com/LerianStudio/lib-courier/courier/transport"
	courierzap "github.com/LerianStudio/lib-courier/courier/zap"
)

const otelLibraryName = "github.com/LerianStudio/lib-courier"

// Zap returns the logger config.
func (l LogConfig) Zap() courierzap.Config {
	return courierzap.Config{
		Environment:     courierzap.Environment(l.Environment),
		Level:           l.Level,
		OTelLibraryName: otelLibraryName,
	}
}

// Keys returns the key builder for the configured prefix.
func (r RedisConfig) Keys() courierredis.Keys {
	return courierredis.NewKeys(r.KeyPrefix)
}

// Client returns the connection config for the configured topology.
func (r RedisConfig) Client(logger log.Logger) courierredis.Config {
	cfg := courierredis.Config{
		Password: r.Password,
		Logger:   logger,
		Options: courierredis.ConnectionOptions{
			DB:           r.DB,
			PoolSize:     r.PoolSize,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
		},
	}

	switch r.Mode {
	case "sentinel":
		cfg.Topology.Sentinel = &courierredis.SentinelTopology{Addresses: r.Addresses, MasterName: r.MasterName}
	case "cluster":
		cfg.Topology.Cluster = &courierredis.ClusterTopology{Addresses: r.Addresses}
	default:
		var addr string
		if len(r.Addresses) > 0 {
			addr = r.Addresses[0]
		}

		cfg.Topology.Standalone = &courierredis.StandaloneTopology{Address: addr}
	}

	if r.CACertBase64 != "" {
		cfg.TLS = &courierredis.TLSConfig{CACertBase64: r.CACertBase64}
	}

	return cfg
}

// Connect opens the configured client.
func (r RedisConfig) Connect(ctx context.Context, logger log.Logger) (*courierredis.Client, error) {
	return courierredis.New(ctx, r.Client(logger))
}

// Options returns the buffer config.
func (b BufferConfig) Options() buffer.Config {
	return buffer.Config{
		ShortTimeout:       b.ShortTimeout,
		LongTimeout:        b.LongTimeout,
		MaxMessages:        b.MaxMessages,
		WordCountThreshold: b.WordCountThreshold,
		TypingInterval:     b.TypingInterval,
		InactiveTTL:        b.InactiveTTL,
		CleanupInterval:    b.CleanupInterval,
	}
}

// Options returns the dispatcher config.
func (d DispatcherConfig) Options() dispatcher.Config {
	return dispatcher.Config{
		ScanInterval:     d.ScanInterval,
		BatchSize:        d.BatchSize,
		MaxRetries:       d.MaxRetries,
		DeliveryTimeout:  d.DeliveryTimeout,
		Concurrency:      d.Concurrency,
		SendTypingAction: d.TypingAction,
	}
}

// LockOptions returns the per-user lock options.
func (d DispatcherConfig) LockOptions() courierredis.LockOptions {
	opts := courierredis.DefaultLockOptions()
	opts.Expiry = d.LockExpiry

	return opts
}

// Options returns the scheduler config. The quiet window and timezone are
// parsed here, so it fails on malformed clocks or unknown zones.
func (p ProactiveConfig) Options() (proactive.Config, error) {
	cfg := proactive.DefaultConfig()
	cfg.MinInterval = p.MinInterval
	cfg.MaxConsecutive = p.MaxConsecutive
	cfg.RevocationTTL = p.RevocationTTL
	cfg.RecoveryMin = p.RecoveryMin
	cfg.RecoveryMax = p.RecoveryMax
	cfg.OverdueGrace = p.OverdueGrace
	cfg.SweepSchedule = p.SweepSchedule
	cfg.SweepConcurrency = p.SweepConcurrency
	cfg.HistoryBudget = p.HistoryBudget

	start, err := proactive.ParseClock(p.QuietStart)
	if err != nil {
		return proactive.Config{}, err
	}

	end, err := proactive.ParseClock(p.QuietEnd)
	if err != nil {
		return proactive.Config{}, err
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return proactive.Config{}, err
	}

	cfg.Quiet = proactive.QuietHours{
		Enabled:  p.QuietEnabled,
		Start:    start,
		End:      end,
		Buffer:   p.QuietBuffer,
		Location: loc,
	}

	if err := cfg.Validate(); err != nil {
		return proactive.Config{}, err
	}

	return cfg, nil
}

// Options returns the task worker config.
func (t TasksConfig) Options() tasks.WorkerConfig {
	return tasks.WorkerConfig{
		PollInterval:   t.PollInterval,
		BatchSize:      t.BatchSize,
		Concurrency:    t.Concurrency,
		MaxAttempts:    t.MaxAttempts,
		RetryBase:      t.RetryBase,
		RetryCeiling:   t.RetryCeiling,
		HandlerTimeout: t.HandlerTimeout,
	}
}

// Options returns the Bot API client config.
func (t TelegramConfig) Options() transport.TelegramConfig {
	return transport.TelegramConfig{
		Token:         t.Token,
		APIServer:     t.APIServer,
		RatePerSecond: t.RatePerSecond,
		Burst:         t.Burst,
		HTTPTimeout:   t.HTTPTimeout,
	}
}

// Options returns the responder config.
func (a AIConfig) Options() ai.Config {
	return ai.Config{
		BaseURL:      a.BaseURL,
		APIKey:       a.APIKey,
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
		Temperature:  a.Temperature,
		MaxTokens:    a.MaxTokens,
		Timeout:      a.Timeout,
	}
}

// Options returns the admin server config.
func (a AdminConfig) Options() admin.Config {
	cfg := admin.DefaultConfig()
	cfg.Address = a.Address
	cfg.Username = a.Username
	cfg.Password = a.Password

	return cfg
}

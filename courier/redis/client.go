package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName          = "github.com/LerianStudio/lib-courier/courier/redis"
	reconnectBackoffCap = 30 * time.Second
	reconnectBase       = 500 * time.Millisecond
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config defines topology, auth, TLS and connection settings.
type Config struct {
	Topology Topology
	TLS      *TLSConfig
	Password string
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures cluster access.
type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// ConnectionOptions configures protocol, timeouts, pools and retries.
type ConnectionOptions struct {
	DB           int
	PoolSize     int
	MinIdleConns int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	PoolTimeout  time.Duration
	MaxRetries   int
}

// Client wraps a redis.UniversalClient with lazy reconnection.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger log.Logger
	client redis.UniversalClient

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates cfg, connects and pings the server.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: normalized, logger: normalized.Logger}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect (re)establishes the underlying connection.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// GetClient returns the live client, reconnecting with capped backoff when the
// previous connection was dropped.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.Capped(reconnectBase, reconnectBackoffCap, c.reconnectAttempts)
		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.reconnect")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++
		opentelemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Ping checks connectivity using the live client.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := c.buildUniversalOptions()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}

		c.client = nil
	}

	rdb := c.newUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in cluster mode")
	default:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis")
	}

	if c.cfg.TLS == nil {
		c.logger.Log(ctx, log.LevelDebug, "redis connection established without TLS")
	}

	return nil
}

// newUniversalClient builds a cluster client for cluster topologies even when
// only one seed address is configured.
func (c *Client) newUniversalClient(opts *redis.UniversalOptions) redis.UniversalClient {
	if c.cfg.Topology.Cluster != nil {
		return redis.NewClusterClient(opts.Cluster())
	}

	return redis.NewUniversalClient(opts)
}

func (c *Client) buildUniversalOptions() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:           o.DB,
		Password:     c.cfg.Password,
		PoolSize:     o.PoolSize,
		MinIdleConns: o.MinIdleConns,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		DialTimeout:  o.DialTimeout,
		PoolTimeout:  o.PoolTimeout,
		MaxRetries:   o.MaxRetries,
	}

	switch {
	case c.cfg.Topology.Standalone != nil:
		opts.Addrs = []string{c.cfg.Topology.Standalone.Address}
	case c.cfg.Topology.Sentinel != nil:
		opts.Addrs = c.cfg.Topology.Sentinel.Addresses
		opts.MasterName = c.cfg.Topology.Sentinel.MasterName
	case c.cfg.Topology.Cluster != nil:
		opts.Addrs = c.cfg.Topology.Cluster.Addresses
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.Logger = log.OrNop(cfg.Logger)

	o := &cfg.Options
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}

	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}

	if o.PoolTimeout <= 0 {
		o.PoolTimeout = 2 * time.Second
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}

	if cfg.TLS != nil && cfg.TLS.MinVersion < tls.VersionTLS12 {
		cfg.TLS.MinVersion = tls.VersionTLS12
	}

	if err := validateTopology(cfg.Topology); err != nil {
		return Config{}, err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return Config{}, configError("TLS CA cert is required when TLS is enabled")
	}

	return cfg, nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if len(topology.Sentinel.Addresses) == 0 {
			return configError("sentinel addresses are required")
		}

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}
	}

	if topology.Cluster != nil {
		count++

		if len(topology.Cluster.Addresses) == 0 {
			return configError("cluster addresses are required")
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

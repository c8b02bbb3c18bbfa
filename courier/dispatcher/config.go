package dispatcher

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultScanInterval    = time.Second
	defaultBatchSize       = 10
	defaultMaxRetries      = 3
	defaultDeliveryTimeout = 15 * time.Second
	defaultConcurrency     = 8
)

// Config controls scanning, batching and retry behavior.
type Config struct {
	// ScanInterval is the delay between scan cycles.
	ScanInterval time.Duration
	// BatchSize caps the items delivered per user per lock hold.
	BatchSize int
	// MaxRetries is the retry_count at which an item is dead-lettered.
	MaxRetries int
	// DeliveryTimeout bounds one transport call.
	DeliveryTimeout time.Duration
	// Concurrency caps how many users are processed in parallel per cycle.
	Concurrency int
	// SendTypingAction sends a typing chat action before every message.
	SendTypingAction bool
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval:     defaultScanInterval,
		BatchSize:        defaultBatchSize,
		MaxRetries:       defaultMaxRetries,
		DeliveryTimeout:  defaultDeliveryTimeout,
		Concurrency:      defaultConcurrency,
		SendTypingAction: true,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithScanInterval sets the delay between scan cycles.
func WithScanInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cfg.ScanInterval = interval
		}
	}
}

// WithBatchSize sets the maximum items delivered per user per cycle.
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cfg.MaxRetries = n
		}
	}
}

// WithConcurrency sets how many users are processed in parallel.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.cfg.Concurrency = n
		}
	}
}

// WithTypingAction toggles the typing action before each message.
func WithTypingAction(enabled bool) Option {
	return func(d *Dispatcher) { d.cfg.SendTypingAction = enabled }
}

// WithRetryClassifier overrides DefaultRetryClassifier.
func WithRetryClassifier(classifier RetryClassifier) Option {
	return func(d *Dispatcher) {
		if classifier != nil {
			d.retryClassifier = classifier
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.OrNop(logger) }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithMeterProvider sets the meter provider used for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.cfg.MeterProvider = provider }
}

package outbox

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	DefaultPollInterval       = 1 * time.Second
	DefaultBatchSize          = 100
	DefaultLeaseDuration      = 1 * time.Minute
	DefaultPublishTimeout     = 10 * time.Second
	DefaultPublishMaxAttempts = 3
	DefaultPublishBackoff     = 100 * time.Millisecond
	DefaultMaxAttempts        = 10
	DefaultBackoffBase        = 1 * time.Second
	DefaultBackoffCap         = 5 * time.Minute
)

// CycleLock gates a relay cycle behind a distributed lock so that multiple
// relay instances do not claim over each other. The lock is an efficiency
// measure only: claim correctness is enforced by the repository regardless.
type CycleLock interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

// RelayConfig controls the polling relay.
type RelayConfig struct {
	// RelayID identifies this relay instance in claimed_by. Defaults to
	// hostname plus a random suffix.
	RelayID string

	// PollInterval is the delay between dispatch cycles.
	PollInterval time.Duration

	// BatchSize is the maximum number of records claimed per cycle.
	BatchSize int

	// LeaseDuration is how long a claim is held before another relay may
	// reclaim the record. The relay re-arms the lease before publishing
	// each record, so it must cover one record's publish budget
	// (PublishMaxAttempts * PublishTimeout plus backoffs), not the whole
	// batch.
	LeaseDuration time.Duration

	// PublishTimeout bounds a single handler invocation.
	PublishTimeout time.Duration

	// PublishMaxAttempts is the number of in-process handler attempts per
	// cycle before the record is rescheduled.
	PublishMaxAttempts int

	// PublishBackoff is the base delay between in-process attempts.
	PublishBackoff time.Duration

	// MaxAttempts is the total attempt budget before a record moves to the
	// dead letter queue.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the reschedule delay:
	// min(BackoffCap, BackoffBase * 2^attempts).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Logger        log.Logger
	MeterProvider metric.MeterProvider
	Classifier    RetryClassifier
	CycleLock     CycleLock
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:       DefaultPollInterval,
		BatchSize:          DefaultBatchSize,
		LeaseDuration:      DefaultLeaseDuration,
		PublishTimeout:     DefaultPublishTimeout,
		PublishMaxAttempts: DefaultPublishMaxAttempts,
		PublishBackoff:     DefaultPublishBackoff,
		MaxAttempts:        DefaultMaxAttempts,
		BackoffBase:        DefaultBackoffBase,
		BackoffCap:         DefaultBackoffCap,
	}
}

func (cfg *RelayConfig) normalize() {
	if strings.TrimSpace(cfg.RelayID) == "" {
		cfg.RelayID = defaultRelayID()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = DefaultPublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = DefaultPublishBackoff
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}

	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}
}

// RelayOption customizes a Relay at construction time.
type RelayOption func(*RelayConfig)

func WithRelayID(relayID string) RelayOption {
	return func(cfg *RelayConfig) { cfg.RelayID = relayID }
}

func WithPollInterval(interval time.Duration) RelayOption {
	return func(cfg *RelayConfig) { cfg.PollInterval = interval }
}

func WithBatchSize(size int) RelayOption {
	return func(cfg *RelayConfig) { cfg.BatchSize = size }
}

func WithLeaseDuration(lease time.Duration) RelayOption {
	return func(cfg *RelayConfig) { cfg.LeaseDuration = lease }
}

func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(cfg *RelayConfig) { cfg.PublishTimeout = timeout }
}

func WithPublishRetry(maxAttempts int, base time.Duration) RelayOption {
	return func(cfg *RelayConfig) {
		cfg.PublishMaxAttempts = maxAttempts
		cfg.PublishBackoff = base
	}
}

func WithMaxAttempts(maxAttempts int) RelayOption {
	return func(cfg *RelayConfig) { cfg.MaxAttempts = maxAttempts }
}

func WithRetryBackoff(base, cap time.Duration) RelayOption {
	return func(cfg *RelayConfig) {
		cfg.BackoffBase = base
		cfg.BackoffCap = cap
	}
}

func WithRelayLogger(logger log.Logger) RelayOption {
	return func(cfg *RelayConfig) { cfg.Logger = logger }
}

func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(cfg *RelayConfig) { cfg.MeterProvider = provider }
}

func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(cfg *RelayConfig) { cfg.Classifier = classifier }
}

func WithCycleLock(lock CycleLock) RelayOption {
	return func(cfg *RelayConfig) { cfg.CycleLock = lock }
}

func defaultRelayID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "relay"
	}

	return hostname + "-" + uuid.New().String()[:8]
}

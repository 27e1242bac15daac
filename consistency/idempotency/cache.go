// Package idempotency maps a caller-supplied request key to the first
// response produced for it, so retried requests observe one business
// effect and byte-identical responses.
//
// Begin atomically installs an InProgress record when the key is unseen;
// a concurrent caller holding the same live key gets a conflict instead
// of a second execution. The single-flight property comes from the
// store's atomic insert, and no lock is held while the caller runs its
// business logic. After expires_at a new request with the same key is a
// fresh operation; the store supersedes the expired record atomically.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	ErrStoreRequired      = errors.New("idempotency store is required")
	ErrRequestKeyRequired = errors.New("request key is required")
	ErrKeyNotFound        = errors.New("idempotency key not found")
	ErrKeyNotInProgress   = errors.New("idempotency key is not in progress")
	ErrStatusInvalid      = errors.New("invalid idempotency status")
)

// Status is an idempotency record's lifecycle state.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (status Status) IsValid() bool {
	switch status {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is one idempotency key's persisted state. Response carries the
// cached response for COMPLETED records and the stored error message for
// FAILED ones.
type Record struct {
	RequestKey string
	Status     Status
	Response   []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the record's lifetime has passed at now.
func (record *Record) Expired(now time.Time) bool {
	return record != nil && !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(now)
}

// DecisionKind is the verdict Begin hands the caller.
type DecisionKind int

const (
	// DecisionProceed means this caller owns the key and must run the
	// operation, then call Complete or Fail.
	DecisionProceed DecisionKind = iota

	// DecisionReturnCached means the operation already finished; the
	// caller returns the decision's Response without re-executing.
	DecisionReturnCached

	// DecisionInProgressConflict means another caller holds the key.
	// The caller retries after a short delay or surfaces a conflict.
	DecisionInProgressConflict
)

func (kind DecisionKind) String() string {
	switch kind {
	case DecisionProceed:
		return "PROCEED"
	case DecisionReturnCached:
		return "RETURN_CACHED"
	case DecisionInProgressConflict:
		return "IN_PROGRESS_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Decision is Begin's result. Status and Response are populated only for
// DecisionReturnCached: Status tells the caller whether the first
// execution completed or failed, Response is the byte-identical cached
// payload.
type Decision struct {
	Kind     DecisionKind
	Status   Status
	Response []byte
}

// Store persists idempotency records. Implementations must make Acquire
// a single atomic operation: there is never a window where two callers
// both install an InProgress record for a live key.
type Store interface {
	// Acquire installs an InProgress record for key when the key is
	// unseen or its record expired before now. When a live record
	// already exists it is returned with acquired=false.
	Acquire(ctx context.Context, key string, now, expiresAt time.Time) (acquired bool, existing *Record, err error)

	// Complete CASes the key from InProgress to Completed, storing the
	// response. ErrKeyNotInProgress when the CAS misses.
	Complete(ctx context.Context, key string, response []byte) error

	// Fail CASes the key from InProgress to Failed, storing the error
	// message. ErrKeyNotInProgress when the CAS misses.
	Fail(ctx context.Context, key string, errMsg string) error

	// Get loads one record. ErrKeyNotFound when absent.
	Get(ctx context.Context, key string) (*Record, error)
}

// DefaultTTL bounds how long a completed response is served for retries.
const DefaultTTL = 24 * time.Hour

const cacheMeterName = "github.com/LerianStudio/lib-consistency/consistency/idempotency"

type cacheMetrics struct {
	decisions metric.Int64Counter
}

func newCacheMetrics(provider metric.MeterProvider) (*cacheMetrics, error) {
	meter := provider.Meter(cacheMeterName)

	decisions, err := meter.Int64Counter(
		"idempotency.cache.decisions.total",
		metric.WithDescription("Begin decisions by kind"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions counter: %w", err)
	}

	return &cacheMetrics{decisions: decisions}, nil
}

type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ttl           time.Duration
	meterProvider metric.MeterProvider
}

func WithTTL(ttl time.Duration) CacheOption {
	return func(cfg *cacheConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithCacheMeterProvider(provider metric.MeterProvider) CacheOption {
	return func(cfg *cacheConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

// Cache enforces the single-flight contract over a Store.
type Cache struct {
	store   Store
	ttl     time.Duration
	metrics *cacheMetrics
}

func NewCache(store Store, opts ...CacheOption) (*Cache, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	cfg := cacheConfig{ttl: DefaultTTL, meterProvider: noop.NewMeterProvider()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	metrics, err := newCacheMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Cache{store: store, ttl: cfg.ttl, metrics: metrics}, nil
}

// Begin resolves requestKey to a decision. DecisionProceed obligates the
// caller to later call Complete or Fail; until one of those lands (or
// the record expires), concurrent callers get DecisionInProgressConflict.
func (cache *Cache) Begin(ctx context.Context, requestKey string) (Decision, error) {
	if cache == nil || cache.store == nil {
		return Decision{}, ErrStoreRequired
	}

	requestKey = strings.TrimSpace(requestKey)
	if requestKey == "" {
		return Decision{}, ErrRequestKeyRequired
	}

	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "idempotency.cache.begin")
	defer span.End()

	now := time.Now().UTC()

	acquired, existing, err := cache.store.Acquire(ctx, requestKey, now, now.Add(cache.ttl))
	if err != nil {
		return Decision{}, fmt.Errorf("acquiring idempotency key: %w", err)
	}

	decision := cache.resolve(acquired, existing)

	span.SetAttributes(attribute.String("decision", decision.Kind.String()))
	cache.metrics.decisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", decision.Kind.String())))

	return decision, nil
}

func (cache *Cache) resolve(acquired bool, existing *Record) Decision {
	if acquired {
		return Decision{Kind: DecisionProceed}
	}

	if existing == nil || existing.Status == StatusInProgress {
		return Decision{Kind: DecisionInProgressConflict}
	}

	return Decision{
		Kind:     DecisionReturnCached,
		Status:   existing.Status,
		Response: existing.Response,
	}
}

// Complete stores the response and publishes the key as Completed.
// Subsequent Begin calls for the key return the response byte-identical.
func (cache *Cache) Complete(ctx context.Context, requestKey string, response []byte) error {
	return cache.finish(ctx, requestKey, "idempotency.cache.complete", func(ctx context.Context, key string) error {
		return cache.store.Complete(ctx, key, response)
	})
}

// Fail publishes the key as Failed with the stored error message, so
// retried callers observe the original failure instead of re-executing.
func (cache *Cache) Fail(ctx context.Context, requestKey string, errMsg string) error {
	return cache.finish(ctx, requestKey, "idempotency.cache.fail", func(ctx context.Context, key string) error {
		return cache.store.Fail(ctx, key, errMsg)
	})
}

func (cache *Cache) finish(ctx context.Context, requestKey, spanName string, fn func(context.Context, string) error) error {
	if cache == nil || cache.store == nil {
		return ErrStoreRequired
	}

	requestKey = strings.TrimSpace(requestKey)
	if requestKey == "" {
		return ErrRequestKeyRequired
	}

	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	if err := fn(ctx, requestKey); err != nil {
		return fmt.Errorf("finishing idempotency key: %w", err)
	}

	return nil
}

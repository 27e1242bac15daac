package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	consistency "github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/log"
)

const maxLockTries = 1000

var (
	// ErrNilLockHandle is returned when a nil or uninitialized lock handle is used.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock is called on a lock that was not held or already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrLockNotInitialized is returned when the distributed lock's redsync is not initialized.
	ErrLockNotInitialized = errors.New("distributed lock is not initialized")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockExpiryInvalid is returned when lock expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockTriesInvalid is returned when lock tries is less than 1.
	ErrLockTriesInvalid = errors.New("lock tries must be at least 1")
	// ErrLockTriesExceeded is returned when lock tries exceeds the maximum.
	ErrLockTriesExceeded = errors.New("lock tries exceeds maximum")
	// ErrLockRetryDelayNegative is returned when retry delay is negative.
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockHandle represents an acquired distributed lock. It is obtained from
// TryLock and must be released via its Unlock method.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockManager provides distributed locking operations. The relay uses
// TryLock to keep concurrent instances from polling the same outbox table;
// losing the lock never affects correctness, only efficiency, because the
// claim query remains the source of truth.
type LockManager interface {
	// WithLock executes fn while holding a distributed lock with default options.
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error

	// WithLockOptions executes fn while holding a distributed lock with custom options.
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error

	// TryLock attempts to acquire a lock without retrying.
	// Returns the handle and true if the lock was acquired, nil and false otherwise.
	TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error)

	// TryLockWithOptions is TryLock with a custom expiry. Tries and
	// RetryDelay are ignored, a single attempt is always made.
	TryLockWithOptions(ctx context.Context, lockKey string, opts LockOptions) (LockHandle, bool, error)
}

// RedisLockManager implements LockManager with the RedLock algorithm.
type RedisLockManager struct {
	redsync *redsync.Redsync
}

var _ LockManager = (*RedisLockManager)(nil)

// LockOptions configures lock behavior.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring.
	Expiry time.Duration

	// Tries is the number of acquisition attempts before giving up.
	Tries int

	// RetryDelay is the delay between retry attempts.
	RetryDelay time.Duration

	// DriftFactor accounts for clock drift (RedLock algorithm).
	DriftFactor float64
}

// DefaultLockOptions returns production defaults for distributed locking.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// RelayLockOptions returns defaults tuned for relay cycle locking: the
// expiry covers one poll cycle and there is no retry, a busy lock means
// another instance is already dispatching.
func RelayLockOptions(pollInterval time.Duration) LockOptions {
	expiry := 2 * pollInterval
	if expiry < time.Second {
		expiry = time.Second
	}

	return LockOptions{
		Expiry:      expiry,
		Tries:       1,
		RetryDelay:  0,
		DriftFactor: 0.01,
	}
}

// clientPool implements the redsync pool interface with lazy client
// resolution, so the pool survives reconnections of the Client wrapper.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// lockHandle wraps a redsync.Mutex to implement LockHandle.
type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

// Unlock releases the distributed lock.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))

		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")

		return ErrLockNotHeld
	}

	return nil
}

// NewRedisLockManager creates a distributed lock manager on top of the given
// client. Connectivity is verified at construction time.
func NewRedisLockManager(conn *Client) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	pool := &clientPool{conn: conn}

	return &RedisLockManager{redsync: redsync.New(pool)}, nil
}

// WithLock executes fn while holding a distributed lock with default options.
// The lock is released when fn returns, even on panic.
func (dl *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if dl == nil {
		return ErrNilLockManager
	}

	return dl.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions executes fn while holding a distributed lock with custom options.
func (dl *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil {
		return ErrNilLockManager
	}

	if dl.redsync == nil {
		return ErrLockNotInitialized
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeLockKey), log.Err(err))

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock", log.String("lock_key", safeLockKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "function execution failed under lock", log.String("lock_key", safeLockKey), log.Err(err))

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock attempts to acquire a lock without retrying. A busy lock returns
// (nil, false, nil); only unexpected failures return an error.
func (dl *RedisLockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	return dl.TryLockWithOptions(ctx, lockKey, DefaultLockOptions())
}

// TryLockWithOptions attempts a single lock acquisition with the given
// expiry.
func (dl *RedisLockManager) TryLockWithOptions(ctx context.Context, lockKey string, opts LockOptions) (LockHandle, bool, error) {
	if dl == nil {
		return nil, false, ErrNilLockManager
	}

	if dl.redsync == nil {
		return nil, false, ErrLockNotInitialized
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if opts.Expiry <= 0 {
		return nil, false, ErrLockExpiryInvalid
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		errMsg := err.Error()
		isLockContention := errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(errMsg, "lock already taken") ||
			strings.Contains(errMsg, "failed to acquire lock")

		if isLockContention {
			logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeLockKey))

			return nil, false, nil
		}

		logger.Log(ctx, log.LevelDebug, "could not acquire lock", log.String("lock_key", safeLockKey), log.Err(err))

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKey, err)
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

func validateLockOptions(opts LockOptions) error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 {
		return ErrLockTriesInvalid
	}

	if opts.Tries > maxLockTries {
		return ErrLockTriesExceeded
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	return nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}

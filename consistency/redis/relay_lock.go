package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/outbox"
)

var ErrLockManagerRequired = errors.New("lock manager is required")

// RelayLock adapts a LockManager into the relay's cycle lock. A held lock
// means another relay instance is already dispatching, so the cycle is
// skipped; the lock expiry is sized to outlive one poll cycle in case the
// holder crashes before releasing.
type RelayLock struct {
	manager LockManager
	lockKey string
	opts    LockOptions
}

var _ outbox.CycleLock = (*RelayLock)(nil)

// NewRelayLock creates a cycle lock on lockKey sized for the given poll
// interval.
func NewRelayLock(manager LockManager, lockKey string, pollInterval time.Duration) (*RelayLock, error) {
	if nilcheck.Interface(manager) {
		return nil, ErrLockManagerRequired
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, ErrEmptyLockKey
	}

	return &RelayLock{
		manager: manager,
		lockKey: lockKey,
		opts:    RelayLockOptions(pollInterval),
	}, nil
}

// TryAcquire attempts one lock acquisition. When acquired, the returned
// release function unlocks; when contested, it returns acquired=false with
// no error.
func (rl *RelayLock) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	if rl == nil || rl.manager == nil {
		return nil, false, ErrLockManagerRequired
	}

	handle, acquired, err := rl.manager.TryLockWithOptions(ctx, rl.lockKey, rl.opts)
	if err != nil || !acquired {
		return nil, false, err
	}

	return handle.Unlock, true, nil
}

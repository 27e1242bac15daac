package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists saga instances and the operator queue of failed
// compensations. Update must be conditional on the instance not having
// reached a terminal state, so a stale worker can never overwrite a
// finished saga.
type Store interface {
	// Create persists a fresh instance.
	Create(ctx context.Context, instance *Instance) error

	// Get loads one instance. ErrInstanceNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)

	// Update persists the instance's mutable fields. ErrInstanceNotClaimed
	// when the stored row is already terminal.
	Update(ctx context.Context, instance *Instance) error

	// ClaimExpired atomically extends the lease of up to limit
	// non-terminal instances whose lease expired before now, and returns
	// them for resumption.
	ClaimExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Instance, error)

	// EnqueueFailedCompensation records a compensation that requires
	// manual intervention.
	EnqueueFailedCompensation(ctx context.Context, failure *FailedCompensation) error

	// ListFailedCompensations returns queued failures for operators.
	ListFailedCompensations(ctx context.Context, limit int) ([]*FailedCompensation, error)
}

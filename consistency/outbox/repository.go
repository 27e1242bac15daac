package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so the writer can append events inside
// the caller's own transaction without a hidden adapter layer.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox records.
//
// ClaimBatch and the Mark operations are the cross-worker coordination
// protocol: ClaimBatch is a single conditional UPDATE claiming eligible
// records (pending, retry-due failed, or lease-expired processing) for one
// relay, and each Mark is a CAS conditioned on the record still being
// PROCESSING and claimed by that relay.
type Repository interface {
	// Create appends a record outside any caller transaction.
	Create(ctx context.Context, record *Record) (*Record, error)

	// CreateWithTx appends a record within the caller's transaction so the
	// event commits atomically with the state change that produced it.
	CreateWithTx(ctx context.Context, tx Tx, record *Record) (*Record, error)

	// ClaimBatch atomically claims up to limit eligible records for
	// claimedBy with a lease expiring at now+lease, ordered by
	// (aggregate_id, seq). Only the earliest undispatched record of an
	// aggregate is claimable; all later records wait for it, so a batch
	// never holds two records of one aggregate and two claimants never
	// split one.
	ClaimBatch(ctx context.Context, claimedBy string, limit int, now time.Time, lease time.Duration) ([]*Record, error)

	// ExtendLease CASes a claimed PROCESSING record's lease forward. It
	// fails with ErrRecordNotClaimed when the claim has been lost.
	ExtendLease(ctx context.Context, id uuid.UUID, claimedBy string, leaseUntil time.Time) error

	// MarkDispatched CASes a claimed PROCESSING record to DISPATCHED.
	MarkDispatched(ctx context.Context, id uuid.UUID, claimedBy string, publishedAt time.Time) error

	// MarkFailed CASes a claimed PROCESSING record to FAILED, incrementing
	// attempts and scheduling the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, claimedBy, errMsg string, nextAttemptAt time.Time) error

	// MarkDeadLetter CASes a claimed PROCESSING record to DEAD_LETTER.
	MarkDeadLetter(ctx context.Context, id uuid.UUID, claimedBy, errMsg string) error

	// Release CASes a claimed PROCESSING record back to PENDING without
	// counting an attempt. Used for records the relay claimed but will
	// not publish, such as the remainder of a cancelled cycle.
	Release(ctx context.Context, id uuid.UUID, claimedBy string) error

	// GetByID loads one record.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// ListDeadLetters returns parked records for operator inspection.
	ListDeadLetters(ctx context.Context, limit int) ([]*Record, error)

	// RequeueDeadLetter moves a DEAD_LETTER record back to PENDING with
	// attempts reset, making it claimable again.
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) error
}

//go:build unit

package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepository mirrors the postgres claim and CAS semantics in memory
// so relay behavior can be tested without a database.
type memoryRepository struct {
	mu      sync.Mutex
	nextSeq int64
	records map[uuid.UUID]*Record

	markDispatchedErr error
	markFailedErr     error
	releaseErr        error
	extendLeaseErr    error

	extendLeaseCalls int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: map[uuid.UUID]*Record{}}
}

func (repo *memoryRepository) Create(_ context.Context, record *Record) (*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.nextSeq++

	stored := *record
	stored.Seq = repo.nextSeq
	repo.records[stored.ID] = &stored

	copied := stored

	return &copied, nil
}

func (repo *memoryRepository) CreateWithTx(ctx context.Context, _ Tx, record *Record) (*Record, error) {
	return repo.Create(ctx, record)
}

func (repo *memoryRepository) ClaimBatch(_ context.Context, claimedBy string, limit int, now time.Time, lease time.Duration) ([]*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	ordered := make([]*Record, 0, len(repo.records))
	for _, record := range repo.records {
		ordered = append(ordered, record)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].AggregateID != ordered[j].AggregateID {
			return ordered[i].AggregateID.String() < ordered[j].AggregateID.String()
		}

		return ordered[i].Seq < ordered[j].Seq
	})

	claimed := make([]*Record, 0, limit)
	blockedAggregates := map[uuid.UUID]struct{}{}

	for _, record := range ordered {
		if record.Status == StatusDispatched.String() || record.Status == StatusDeadLetter.String() {
			continue
		}

		// Only the earliest undispatched record per aggregate is
		// claimable; everything after it waits regardless of state.
		if _, blocked := blockedAggregates[record.AggregateID]; blocked {
			continue
		}

		blockedAggregates[record.AggregateID] = struct{}{}

		if len(claimed) >= limit {
			continue
		}

		eligible := record.Status == StatusPending.String() ||
			(record.Status == StatusFailed.String() && record.NextAttemptAt != nil && !record.NextAttemptAt.After(now)) ||
			(record.Status == StatusProcessing.String() && record.LeaseExpired(now))

		if !eligible {
			continue
		}

		record.Status = StatusProcessing.String()
		record.ClaimedBy = claimedBy
		leaseUntil := now.Add(lease)
		record.LeaseUntil = &leaseUntil
		record.UpdatedAt = now

		copied := *record
		claimed = append(claimed, &copied)
	}

	return claimed, nil
}

func (repo *memoryRepository) MarkDispatched(_ context.Context, id uuid.UUID, claimedBy string, publishedAt time.Time) error {
	if repo.markDispatchedErr != nil {
		return repo.markDispatchedErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.claimedRecordLocked(id, claimedBy)
	if err != nil {
		return err
	}

	record.Status = StatusDispatched.String()
	record.PublishedAt = &publishedAt
	record.ClaimedBy = ""
	record.LeaseUntil = nil

	return nil
}

func (repo *memoryRepository) MarkFailed(_ context.Context, id uuid.UUID, claimedBy, errMsg string, nextAttemptAt time.Time) error {
	if repo.markFailedErr != nil {
		return repo.markFailedErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.claimedRecordLocked(id, claimedBy)
	if err != nil {
		return err
	}

	record.Status = StatusFailed.String()
	record.Attempts++
	record.LastError = errMsg
	record.NextAttemptAt = &nextAttemptAt
	record.ClaimedBy = ""
	record.LeaseUntil = nil

	return nil
}

func (repo *memoryRepository) MarkDeadLetter(_ context.Context, id uuid.UUID, claimedBy, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.claimedRecordLocked(id, claimedBy)
	if err != nil {
		return err
	}

	record.Status = StatusDeadLetter.String()
	record.Attempts++
	record.LastError = errMsg
	record.ClaimedBy = ""
	record.LeaseUntil = nil

	return nil
}

func (repo *memoryRepository) Release(_ context.Context, id uuid.UUID, claimedBy string) error {
	if repo.releaseErr != nil {
		return repo.releaseErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.claimedRecordLocked(id, claimedBy)
	if err != nil {
		return err
	}

	record.Status = StatusPending.String()
	record.ClaimedBy = ""
	record.LeaseUntil = nil

	return nil
}

func (repo *memoryRepository) ExtendLease(_ context.Context, id uuid.UUID, claimedBy string, leaseUntil time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.extendLeaseCalls++

	if repo.extendLeaseErr != nil {
		return repo.extendLeaseErr
	}

	record, err := repo.claimedRecordLocked(id, claimedBy)
	if err != nil {
		return err
	}

	until := leaseUntil
	record.LeaseUntil = &until

	return nil
}

func (repo *memoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, ok := repo.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	copied := *record

	return &copied, nil
}

func (repo *memoryRepository) ListDeadLetters(_ context.Context, limit int) ([]*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	parked := make([]*Record, 0, limit)

	for _, record := range repo.records {
		if record.Status != StatusDeadLetter.String() {
			continue
		}

		copied := *record
		parked = append(parked, &copied)

		if len(parked) >= limit {
			break
		}
	}

	return parked, nil
}

func (repo *memoryRepository) RequeueDeadLetter(_ context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, ok := repo.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	if record.Status != StatusDeadLetter.String() {
		return ErrTransitionInvalid
	}

	record.Status = StatusPending.String()
	record.Attempts = 0
	record.NextAttemptAt = nil
	record.LastError = ""

	return nil
}

func (repo *memoryRepository) claimedRecordLocked(id uuid.UUID, claimedBy string) (*Record, error) {
	record, ok := repo.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	if record.Status != StatusProcessing.String() || record.ClaimedBy != claimedBy {
		return nil, ErrRecordNotClaimed
	}

	return record, nil
}

//go:build unit

package saga

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
)

// idempotencyMemoryStore is a minimal in-memory idempotency.Store for
// coordinator tests.
type idempotencyMemoryStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func newIdempotencyMemoryStore() *idempotencyMemoryStore {
	return &idempotencyMemoryStore{records: map[string]*idempotency.Record{}}
}

func (store *idempotencyMemoryStore) Acquire(_ context.Context, key string, now, expiresAt time.Time) (bool, *idempotency.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if existing, ok := store.records[key]; ok && !existing.Expired(now) {
		clone := *existing

		return false, &clone, nil
	}

	store.records[key] = &idempotency.Record{
		RequestKey: key,
		Status:     idempotency.StatusInProgress,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}

	return true, nil, nil
}

func (store *idempotencyMemoryStore) Complete(_ context.Context, key string, response []byte) error {
	return store.finish(key, idempotency.StatusCompleted, response)
}

func (store *idempotencyMemoryStore) Fail(_ context.Context, key string, errMsg string) error {
	return store.finish(key, idempotency.StatusFailed, []byte(errMsg))
}

func (store *idempotencyMemoryStore) finish(key string, status idempotency.Status, response []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[key]
	if !ok || record.Status != idempotency.StatusInProgress {
		return idempotency.ErrKeyNotInProgress
	}

	record.Status = status
	record.Response = append([]byte(nil), response...)

	return nil
}

func (store *idempotencyMemoryStore) Get(_ context.Context, key string) (*idempotency.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[key]
	if !ok {
		return nil, idempotency.ErrKeyNotFound
	}

	clone := *record

	return &clone, nil
}

//go:build unit

package idempotency

import (
	"context"
	"sync"
	"time"
)

// memoryStore mirrors the relational store's semantics for unit tests:
// Acquire is atomic under its mutex, expired records are superseded.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	acquireErr error
	finishErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]*Record{}}
}

func (store *memoryStore) Acquire(_ context.Context, key string, now, expiresAt time.Time) (bool, *Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.acquireErr != nil {
		return false, nil, store.acquireErr
	}

	if existing, ok := store.records[key]; ok && !existing.Expired(now) {
		clone := *existing

		return false, &clone, nil
	}

	store.records[key] = &Record{
		RequestKey: key,
		Status:     StatusInProgress,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}

	return true, nil, nil
}

func (store *memoryStore) Complete(_ context.Context, key string, response []byte) error {
	return store.finish(key, StatusCompleted, response)
}

func (store *memoryStore) Fail(_ context.Context, key string, errMsg string) error {
	return store.finish(key, StatusFailed, []byte(errMsg))
}

func (store *memoryStore) finish(key string, status Status, response []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.finishErr != nil {
		return store.finishErr
	}

	record, ok := store.records[key]
	if !ok || record.Status != StatusInProgress {
		return ErrKeyNotInProgress
	}

	record.Status = status
	record.Response = append([]byte(nil), response...)

	return nil
}

func (store *memoryStore) Get(_ context.Context, key string) (*Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}

	clone := *record

	return &clone, nil
}

//go:build unit

package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore mirrors the relational store's semantics for unit tests:
// Update refuses to touch a terminal row, ClaimExpired extends leases
// atomically under the mutex.
type memoryStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
	failures  []*FailedCompensation

	updateErr  error
	enqueueErr error

	// updates records every persisted (stepIndex, status) transition so
	// tests can assert persistence ordering.
	updates []persistedState
}

type persistedState struct {
	status      InstanceStatus
	currentStep int
	steps       []StepStatus
}

func newMemoryStore() *memoryStore {
	return &memoryStore{instances: map[uuid.UUID]*Instance{}}
}

func cloneInstance(instance *Instance) *Instance {
	clone := *instance
	clone.Steps = append([]StepState(nil), instance.Steps...)
	clone.Input = append([]byte(nil), instance.Input...)

	if instance.LeaseUntil != nil {
		lease := *instance.LeaseUntil
		clone.LeaseUntil = &lease
	}

	if instance.CompletedAt != nil {
		completed := *instance.CompletedAt
		clone.CompletedAt = &completed
	}

	return &clone
}

func (store *memoryStore) Create(_ context.Context, instance *Instance) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.instances[instance.ID] = cloneInstance(instance)

	return nil
}

func (store *memoryStore) Get(_ context.Context, id uuid.UUID) (*Instance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	instance, ok := store.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return cloneInstance(instance), nil
}

func (store *memoryStore) Update(_ context.Context, instance *Instance) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.updateErr != nil {
		return store.updateErr
	}

	stored, ok := store.instances[instance.ID]
	if !ok {
		return ErrInstanceNotFound
	}

	if stored.Status.Terminal() {
		return ErrInstanceNotClaimed
	}

	store.instances[instance.ID] = cloneInstance(instance)

	statuses := make([]StepStatus, len(instance.Steps))
	for i, step := range instance.Steps {
		statuses[i] = step.Status
	}

	store.updates = append(store.updates, persistedState{
		status:      instance.Status,
		currentStep: instance.CurrentStep,
		steps:       statuses,
	})

	return nil
}

func (store *memoryStore) ClaimExpired(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Instance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var claimed []*Instance

	ids := make([]uuid.UUID, 0, len(store.instances))
	for id := range store.instances {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}

		instance := store.instances[id]
		if instance.Status.Terminal() || !instance.LeaseExpired(now) {
			continue
		}

		leaseUntil := now.Add(lease)
		instance.LeaseUntil = &leaseUntil

		claimed = append(claimed, cloneInstance(instance))
	}

	return claimed, nil
}

func (store *memoryStore) EnqueueFailedCompensation(_ context.Context, failure *FailedCompensation) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.enqueueErr != nil {
		return store.enqueueErr
	}

	clone := *failure
	store.failures = append(store.failures, &clone)

	return nil
}

func (store *memoryStore) ListFailedCompensations(_ context.Context, limit int) ([]*FailedCompensation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	result := make([]*FailedCompensation, 0, limit)

	for _, failure := range store.failures {
		if len(result) >= limit {
			break
		}

		clone := *failure
		result = append(result, &clone)
	}

	return result, nil
}

//go:build unit

package inbox

import (
	"context"
	"sync"
	"time"
)

type inboxKey struct {
	messageID    string
	consumerName string
}

// memoryStore mirrors the relational store's semantics for unit tests:
// Insert is atomic and reports duplicates instead of erroring.
type memoryStore struct {
	mu       sync.Mutex
	messages map[inboxKey]*Message

	insertErr  error
	outcomeErr error
	purgeErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: map[inboxKey]*Message{}}
}

func (store *memoryStore) Insert(_ context.Context, messageID, consumerName string, processedAt time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.insertErr != nil {
		return false, store.insertErr
	}

	key := inboxKey{messageID: messageID, consumerName: consumerName}
	if _, exists := store.messages[key]; exists {
		return false, nil
	}

	store.messages[key] = &Message{
		MessageID:    messageID,
		ConsumerName: consumerName,
		ProcessedAt:  processedAt,
	}

	return true, nil
}

func (store *memoryStore) InsertWithTx(ctx context.Context, _ Tx, messageID, consumerName string, processedAt time.Time) (bool, error) {
	return store.Insert(ctx, messageID, consumerName, processedAt)
}

func (store *memoryStore) RecordOutcome(_ context.Context, messageID, consumerName string, outcome Outcome) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.outcomeErr != nil {
		return store.outcomeErr
	}

	key := inboxKey{messageID: messageID, consumerName: consumerName}

	message, exists := store.messages[key]
	if !exists {
		return ErrMessageNotFound
	}

	message.Outcome = string(outcome)

	return nil
}

func (store *memoryStore) GetMessage(_ context.Context, messageID, consumerName string) (*Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	message, exists := store.messages[inboxKey{messageID: messageID, consumerName: consumerName}]
	if !exists {
		return nil, ErrMessageNotFound
	}

	clone := *message

	return &clone, nil
}

func (store *memoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.purgeErr != nil {
		return 0, store.purgeErr
	}

	var removed int64

	for key, message := range store.messages {
		if message.ProcessedAt.Before(cutoff) {
			delete(store.messages, key)
			removed++
		}
	}

	return removed, nil
}

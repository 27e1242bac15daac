package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
)

// Writer appends events to the outbox. It performs no network I/O: within
// AppendEvent the only failure path is rollback of the enclosing
// transaction.
type Writer struct {
	repo Repository
}

// NewWriter creates a Writer over the given repository.
func NewWriter(repo Repository) (*Writer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	return &Writer{repo: repo}, nil
}

// AppendEvent validates and appends a pending record inside the caller's
// transaction. The record commits or rolls back atomically with the state
// change the caller performs on the same tx.
func (writer *Writer) AppendEvent(ctx context.Context, tx Tx, eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	if writer == nil || writer.repo == nil {
		return nil, ErrRepositoryRequired
	}

	record, err := NewRecord(eventType, aggregateID, payload)
	if err != nil {
		return nil, fmt.Errorf("outbox append: %w", err)
	}

	created, err := writer.repo.CreateWithTx(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("outbox append: %w", err)
	}

	return created, nil
}

// AppendEventWithID is AppendEvent with a caller-provided event ID.
func (writer *Writer) AppendEventWithID(ctx context.Context, tx Tx, eventID uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	if writer == nil || writer.repo == nil {
		return nil, ErrRepositoryRequired
	}

	record, err := NewRecordWithID(eventID, eventType, aggregateID, payload)
	if err != nil {
		return nil, fmt.Errorf("outbox append: %w", err)
	}

	created, err := writer.repo.CreateWithTx(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("outbox append: %w", err)
	}

	return created, nil
}

package outbox

import "fmt"

// RecordStatus represents a valid outbox record lifecycle state.
type RecordStatus string

const (
	// StatusPending marks a record waiting for its first claim.
	StatusPending RecordStatus = "PENDING"
	// StatusProcessing marks a record claimed by a relay under a live lease.
	StatusProcessing RecordStatus = "PROCESSING"
	// StatusDispatched marks a record acknowledged by the broker. Terminal.
	StatusDispatched RecordStatus = "DISPATCHED"
	// StatusFailed marks a record scheduled for retry at next_attempt_at.
	StatusFailed RecordStatus = "FAILED"
	// StatusDeadLetter marks a record parked for operators after exhausting
	// attempts or hitting a non-retryable error. Requeue moves it back to PENDING.
	StatusDeadLetter RecordStatus = "DEAD_LETTER"
)

// ParseRecordStatus validates and converts a raw string status.
func ParseRecordStatus(raw string) (RecordStatus, error) {
	status := RecordStatus(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status RecordStatus) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusDispatched, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the record requires no further relay work.
func (status RecordStatus) IsTerminal() bool {
	return status == StatusDispatched
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		// PROCESSING to PROCESSING covers lease-expiry reclaim by another relay.
		return next == StatusProcessing || next == StatusDispatched || next == StatusFailed || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	case StatusDispatched:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseRecordStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseRecordStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status RecordStatus) String() string {
	return string(status)
}

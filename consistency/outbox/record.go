package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the JSONB payload stored per record.
const DefaultMaxPayloadBytes = 1 << 20

// Record is an event stored in the outbox for reliable delivery.
//
// Seq is the monotonic append order assigned by the database; the relay
// orders claims by (AggregateID, Seq) to preserve per-aggregate publish
// order. ClaimedBy and LeaseUntil implement the claim/lease protocol: a
// record is owned by a relay only while its lease is live, and an expired
// lease makes the record claimable again.
type Record struct {
	ID            uuid.UUID
	Seq           int64
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	ClaimedBy     string
	LeaseUntil    *time.Time
	LastError     string
	PublishedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRecord creates a valid outbox record initialized as pending.
func NewRecord(eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	return NewRecordWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewRecordWithID creates a valid pending record using a caller-provided
// event ID, so the writer can correlate the broker message with the domain
// event that produced it.
func NewRecordWithID(eventID uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	if eventID == uuid.Nil {
		return nil, ErrRecordEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrRecordAggregateIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrRecordPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrRecordPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrRecordPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Record{
		ID:          eventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusPending.String(),
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// LeaseExpired reports whether the record's claim lease has lapsed at now.
func (record *Record) LeaseExpired(now time.Time) bool {
	if record == nil || record.LeaseUntil == nil {
		return true
	}

	return !record.LeaseUntil.After(now)
}

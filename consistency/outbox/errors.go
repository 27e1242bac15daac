package outbox

import "errors"

var (
	ErrRecordRequired            = errors.New("outbox record is required")
	ErrRepositoryRequired        = errors.New("outbox repository is required")
	ErrRelayRequired             = errors.New("outbox relay is required")
	ErrRelayRunning              = errors.New("outbox relay is already running")
	ErrRecordPayloadRequired     = errors.New("outbox record payload is required")
	ErrRecordPayloadTooLarge     = errors.New("outbox record payload exceeds maximum allowed size")
	ErrRecordPayloadNotJSON      = errors.New("outbox record payload must be valid JSON (stored as JSONB)")
	ErrRecordEventIDRequired     = errors.New("outbox record event id is required")
	ErrRecordAggregateIDRequired = errors.New("outbox record aggregate id is required")
	ErrHandlerRegistryRequired   = errors.New("handler registry is required")
	ErrEventTypeRequired         = errors.New("event type is required")
	ErrEventHandlerRequired      = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered  = errors.New("event handler already registered")
	ErrHandlerNotRegistered      = errors.New("event handler is not registered")
	ErrStatusInvalid             = errors.New("invalid outbox status")
	ErrTransitionInvalid         = errors.New("invalid outbox status transition")
	ErrRecordNotFound            = errors.New("outbox record not found")
	ErrRecordNotClaimed          = errors.New("outbox record is not claimed by this relay")
)

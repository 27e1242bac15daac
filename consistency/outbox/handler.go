package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler publishes one outbox record to its destination.
type EventHandler func(ctx context.Context, record *Record) error

// HandlerRegistry stores event handlers by event type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	fallback EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EventHandler{}}
}

func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EventHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

// RegisterDefault installs a handler used for event types with no explicit
// registration. Typical setups route every event through one broker
// publisher and register it here.
func (registry *HandlerRegistry) RegisterDefault(handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.fallback = handler

	return nil
}

func (registry *HandlerRegistry) Handle(ctx context.Context, record *Record) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if record == nil {
		return ErrRecordRequired
	}

	eventType := strings.TrimSpace(record.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]

	if !ok {
		handler = registry.fallback
		ok = handler != nil
	}
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, record)
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrExchangeRequired      = errors.New("exchange is required")
	ErrRoutingKeyFnRequired  = errors.New("routing key function is required")
	ErrRecordRequired        = errors.New("outbox record is required")
	ErrRecordPayloadRequired = errors.New("outbox record payload is required")
)

// RoutingKeyFunc maps an outbox record to its routing key.
type RoutingKeyFunc func(record *outbox.Record) string

// RecordPublisher adapts a ConfirmablePublisher into an outbox event
// handler. The broker confirm is awaited before the handler returns, so
// the relay only marks a record dispatched after the broker has accepted
// the message.
type RecordPublisher struct {
	publisher  *ConfirmablePublisher
	exchange   string
	routingKey RoutingKeyFunc
	mandatory  bool
}

type RecordPublisherOption func(*RecordPublisher)

// WithRoutingKeyFunc overrides the default event-type routing key.
func WithRoutingKeyFunc(fn RoutingKeyFunc) RecordPublisherOption {
	return func(rp *RecordPublisher) {
		if fn != nil {
			rp.routingKey = fn
		}
	}
}

// WithMandatoryPublish sets the mandatory flag so unroutable messages are
// returned by the broker instead of silently dropped.
func WithMandatoryPublish(mandatory bool) RecordPublisherOption {
	return func(rp *RecordPublisher) {
		rp.mandatory = mandatory
	}
}

// NewRecordPublisher creates a record publisher over the given confirmable
// publisher and exchange.
func NewRecordPublisher(publisher *ConfirmablePublisher, exchange string, opts ...RecordPublisherOption) (*RecordPublisher, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	rp := &RecordPublisher{
		publisher: publisher,
		exchange:  exchange,
		routingKey: func(record *outbox.Record) string {
			return record.EventType
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rp)
		}
	}

	return rp, nil
}

// Handle publishes one outbox record and waits for the broker confirm.
// It satisfies outbox.EventHandler.
func (rp *RecordPublisher) Handle(ctx context.Context, record *outbox.Record) error {
	if rp == nil || rp.publisher == nil {
		return ErrPublisherRequired
	}

	if record == nil {
		return ErrRecordRequired
	}

	if len(record.Payload) == 0 {
		return ErrRecordPayloadRequired
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.ID.String(),
		Type:         record.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         record.Payload,
		Headers: amqp.Table{
			"x-aggregate-id": record.AggregateID.String(),
		},
	}

	if err := rp.publisher.PublishAndWaitConfirm(ctx, rp.exchange, rp.routingKey(record), rp.mandatory, false, msg); err != nil {
		return fmt.Errorf("publishing outbox record %s: %w", record.ID, err)
	}

	return nil
}

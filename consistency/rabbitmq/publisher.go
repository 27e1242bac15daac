package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/LerianStudio/lib-consistency/consistency/runtime"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrReconnectAfterClose    = errors.New("cannot reconnect: publisher was explicitly closed")
	ErrReconnectWhileOpen     = errors.New("cannot reconnect: publisher is still open, call Close first")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256
)

// ConfirmableChannel defines the AMQP channel operations needed for confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ConfirmablePublisher wraps an AMQP channel with publisher confirms enabled.
// The relay relies on confirms: an outbox record is only marked dispatched
// after the broker acks the publish.
type ConfirmablePublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      *sync.Once
	done           chan struct{}
	logger         log.Logger
	confirmTimeout time.Duration
	mu             sync.RWMutex
	publishMu      sync.Mutex
	closed         bool
	shutdown       bool
}

// ConfirmablePublisherOption configures a ConfirmablePublisher.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger log.Logger) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
// Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher opens a dedicated channel on the connection and
// creates a publisher with confirms enabled.
func NewConfirmablePublisher(ctx context.Context, conn *RabbitMQConnection, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	channel, err := conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	return NewConfirmablePublisherFromChannel(channel, opts...)
}

// NewConfirmablePublisherFromChannel creates a publisher from an existing
// channel. The channel must be dedicated to this publisher.
func NewConfirmablePublisherFromChannel(ch ConfirmableChannel, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publisher := &ConfirmablePublisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		closeOnce:      &sync.Once{},
		done:           make(chan struct{}),
		logger:         &log.NopLogger{},
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.startCloseMonitor(closeNotify)

	return publisher, nil
}

// startCloseMonitor launches a goroutine that watches channel close events.
func (pub *ConfirmablePublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	monitorDone := pub.done

	runtime.SafeGo(pub.logger, "confirmable-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.handleMonitoredClose(amqpErr)
		case <-monitorDone:
			return
		}
	})
}

func (pub *ConfirmablePublisher) handleMonitoredClose(amqpErr *amqp.Error) {
	pub.mu.Lock()
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	logger := pub.logger
	pub.closed = true
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if amqpErr != nil {
		logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
			log.String("error_detail", sanitizeAMQPErr(amqpErr, "")))
	}
}

// Publish sends a message and waits for broker confirmation. Calls are
// serialized per publisher instance to preserve confirm ordering without
// delivery-tag correlation state; shard across publishers for throughput.
func (pub *ConfirmablePublisher) Publish(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	return pub.PublishAndWaitConfirm(ctx, exchange, routingKey, mandatory, immediate, msg)
}

// PublishAndWaitConfirm sends a message and synchronously waits for the
// broker to ack or nack it.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A pending confirmation would desynchronize the next wait.
		// Invalidate the channel so the caller reconnects cleanly.
		pub.invalidateChannel(publishChannel)
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error leaves a stale entry on
// the confirmation channel.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel marks the publisher closed and closes the underlying
// channel. Must be called while holding publishMu.
func (pub *ConfirmablePublisher) invalidateChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(ch) {
		_ = ch.Close()
	}
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan struct{}, confirmTimeout time.Duration) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
// After Close, Reconnect is rejected and callers should create a new publisher.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	currentCh := pub.ch
	safeCloseSignal(pub.done)
	pub.closeOnce.Do(func() { close(pub.closedCh) })
	pub.mu.Unlock()

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	drainConfirms(pub.confirms, pub.confirmTimeout)

	return nil
}

// Reconnect replaces the underlying AMQP channel with a fresh one. It is
// only valid after an operational close; after an explicit Close it returns
// ErrReconnectAfterClose.
func (pub *ConfirmablePublisher) Reconnect(ch ConfirmableChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if !pub.closed {
		return ErrReconnectWhileOpen
	}

	if pub.shutdown {
		return ErrReconnectAfterClose
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}

	if pub.done == nil {
		pub.done = make(chan struct{})
	}

	pub.closed = false

	pub.startCloseMonitor(closeNotify)

	return nil
}

// IsClosed reports whether the publisher can no longer publish.
func (pub *ConfirmablePublisher) IsClosed() bool {
	if pub == nil {
		return true
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

func safeCloseSignal(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case <-ch:
		return
	default:
		close(ch)
	}
}

func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-consistency/consistency/log"
)

var (
	// ErrNilConnection is returned when a method is called on a nil connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrEmptyConnectionString is returned when no AMQP URI is configured.
	ErrEmptyConnectionString = errors.New("rabbitmq connection string cannot be empty")
	// ErrNotConnected is returned when a channel is requested before Connect.
	ErrNotConnected = errors.New("rabbitmq connection is not established")
)

var (
	amqpURICredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)

	dialFn = amqp.Dial
)

// RabbitMQConnection manages a single AMQP connection and hands out fresh
// channels. Safe for concurrent use.
type RabbitMQConnection struct {
	ConnectionString string
	Logger           log.Logger

	conn      *amqp.Connection
	connected bool
	mu        sync.RWMutex
}

func (rc *RabbitMQConnection) logger() log.Logger {
	if rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

// Connect establishes the AMQP connection.
func (rc *RabbitMQConnection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if rc.ConnectionString == "" {
		return ErrEmptyConnectionString
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	conn, err := dialFn(rc.ConnectionString)
	if err != nil {
		rc.logger().Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, rc.ConnectionString)))

		return newSanitizedError(err, rc.ConnectionString, "failed to connect to rabbitmq")
	}

	rc.conn = conn
	rc.connected = true

	rc.logger().Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a fresh channel on the managed connection. Each publisher
// should own a dedicated channel.
func (rc *RabbitMQConnection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	rc.mu.RLock()
	conn := rc.conn
	rc.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		if err := rc.Connect(ctx); err != nil {
			return nil, err
		}

		rc.mu.RLock()
		conn = rc.conn
		rc.mu.RUnlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// IsConnected reports whether the connection is established and open.
func (rc *RabbitMQConnection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return rc.connected && rc.conn != nil && !rc.conn.IsClosed()
}

// Close shuts down the AMQP connection.
func (rc *RabbitMQConnection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn == nil {
		return nil
	}

	err := rc.conn.Close()
	rc.conn = nil
	rc.connected = false

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

// sanitizedError hides credentials from the wrapped error's message while
// preserving the chain for errors.Is/As.
type sanitizedError struct {
	message  string
	original error
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return &sanitizedError{
		message:  prefix + ": " + sanitizeAMQPErr(err, connectionString),
		original: err,
	}
}

// sanitizeAMQPErr strips credentials embedded in AMQP URIs from error text
// (CWE-209).
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if connectionString != "" {
		if parsed, parseErr := url.Parse(connectionString); parseErr == nil {
			if password, ok := parsed.User.Password(); ok && password != "" {
				msg = strings.ReplaceAll(msg, password, "***")
			}
		}
	}

	return amqpURICredentialsPattern.ReplaceAllString(msg, "://***@")
}

// BuildRabbitMQConnectionString assembles an AMQP URI from its parts,
// escaping credentials.
func BuildRabbitMQConnectionString(protocol, user, pass, host, port, vhost string) string {
	uri := protocol + "://" + url.QueryEscape(user) + ":" + url.QueryEscape(pass) + "@" + host + ":" + port

	if vhost != "" {
		uri += "/" + url.PathEscape(vhost)
	}

	return uri
}

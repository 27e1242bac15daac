// Package rabbitmq provides the AMQP transport for the outbox relay: a
// managed connection, a publisher with broker confirms, and an event handler
// adapter that publishes claimed outbox records to an exchange.
package rabbitmq

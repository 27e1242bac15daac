// Package outbox implements the transactional outbox pattern: events are
// appended to an outbox table inside the same database transaction as the
// state change they describe, and a background relay claims and publishes
// them to the broker with at-least-once delivery.
//
// The relay coordinates across instances purely through conditional UPDATEs
// on the outbox table (claim, lease, CAS marks); no in-process lock guards
// shared durable state. Per-aggregate publish order is preserved by the
// claim query. Records that exhaust their attempts, or fail with an error
// the classifier deems non-retryable, are parked as dead letters for
// operator inspection and requeue.
package outbox

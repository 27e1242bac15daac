// Package postgres manages the primary/replica PostgreSQL connections used
// by the outbox, inbox, idempotency, and saga stores. It wires pgx through
// database/sql, balances reads with dbresolver, and applies schema
// migrations on connect.
package postgres

// Package postgres implements the outbox repository on PostgreSQL.
//
// Claim coordination uses a single conditional UPDATE with FOR UPDATE SKIP
// LOCKED, and every status change is a compare-and-set on (id, status,
// claimed_by), so concurrent relay instances cannot double-publish a
// record within a lease window.
package postgres

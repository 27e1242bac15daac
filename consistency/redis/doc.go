// Package redis provides the Redis client used by the idempotency cache
// store and a redsync-based distributed lock manager. The lock manager backs
// the optional relay cycle lock that keeps multiple relay instances from
// polling the same table at once.
package redis

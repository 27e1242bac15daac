// Package inbox implements the consumer-side deduplication gate.
//
// A consumer calls Guard.TryBeginProcessing before applying a message's
// side effect. The guard inserts (message_id, consumer_name) atomically;
// a uniqueness violation means the effect already ran or is running, and
// the caller must skip it entirely. Admission is decided by the insert
// itself, never by a check-then-insert race.
//
// The Janitor purges records older than the deduplication window. The
// window must exceed the broker's maximum redelivery horizon; after that
// point no replay can arrive, so the purge loses no correctness.
package inbox

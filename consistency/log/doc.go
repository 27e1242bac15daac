// Package log defines the structural logging contract used across
// lib-consistency. Implementations live elsewhere (see the zap package);
// this package only carries the interface, typed fields, a no-op
// implementation, and sanitization helpers.
package log

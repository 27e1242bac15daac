// Package runtime provides panic recovery helpers for goroutines and
// long-running workers: deferred recover functions with configurable
// policies, a SafeGo launcher, optional external error reporting, and an
// OpenTelemetry counter for recovered panics.
package runtime

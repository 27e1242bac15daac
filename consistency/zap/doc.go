// Package zap provides the production implementation of the log.Logger
// contract on top of go.uber.org/zap, with automatic OpenTelemetry
// trace/span correlation and a runtime-adjustable level.
package zap

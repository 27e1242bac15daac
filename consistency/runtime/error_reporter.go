package runtime

import (
	"context"
	"fmt"
	"sync"
)

// ErrorReporter is the hook for external error tracking services. Panics
// recovered by this package are forwarded to the configured reporter, if any.
//
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	// CaptureException reports a recovered panic. Tags carry metadata such
	// as "component" and "goroutine_name".
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var (
	errorReporterInstance ErrorReporter
	errorReporterMu       sync.RWMutex
)

// SetErrorReporter configures the global error reporter. Pass nil to disable.
// Call once during application startup.
func SetErrorReporter(reporter ErrorReporter) {
	errorReporterMu.Lock()
	defer errorReporterMu.Unlock()

	errorReporterInstance = reporter
}

// GetErrorReporter returns the configured reporter, or nil.
func GetErrorReporter() ErrorReporter {
	errorReporterMu.RLock()
	defer errorReporterMu.RUnlock()

	return errorReporterInstance
}

var (
	productionMode   bool
	productionModeMu sync.RWMutex
)

const redactedPanicMsg = "panic recovered (details redacted)"

// SetProductionMode toggles redaction of stack traces and panic values in
// logs and error reports.
func SetProductionMode(enabled bool) {
	productionModeMu.Lock()
	defer productionModeMu.Unlock()

	productionMode = enabled
}

// IsProductionMode reports whether production mode is enabled.
func IsProductionMode() bool {
	productionModeMu.RLock()
	defer productionModeMu.RUnlock()

	return productionMode
}

func reportPanicToErrorService(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	isProduction := IsProductionMode()

	err := toPanicError(panicValue, isProduction)

	tags := map[string]string{
		"component":      component,
		"goroutine_name": goroutineName,
		"panic_type":     "recovered",
	}

	if len(stack) > 0 && !isProduction {
		stackStr := string(stack)
		if len(stackStr) > stackTraceLimit {
			stackStr = stackStr[:stackTraceLimit] + "\n...[truncated]"
		}

		tags["stack_trace"] = stackStr
	}

	reporter.CaptureException(ctx, err, tags)
}

// panicError wraps a non-error panic value for reporting.
type panicError struct {
	message string
}

func (e *panicError) Error() string {
	return e.message
}

func toPanicError(panicValue any, isProduction bool) error {
	if isProduction {
		return &panicError{message: redactedPanicMsg}
	}

	if err, ok := panicValue.(error); ok {
		return err
	}

	if message, ok := panicValue.(string); ok {
		return &panicError{message: message}
	}

	return &panicError{message: "panic: " + formatPanicValue(panicValue)}
}

func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	switch val := value.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}

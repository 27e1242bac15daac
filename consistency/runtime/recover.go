package runtime

import (
	"context"
	"runtime/debug"

	"github.com/LerianStudio/lib-consistency/consistency/log"
)

// Logger is the narrow logging contract used by recovery helpers. It is a
// subset of log.Logger so callers can pass any logger from this library.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy determines what happens after a panic is recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it. Use for background
	// workers where one failed cycle must not take down the process.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics with the original value after logging it.
	// Use when continuing would leave the process in an unknown state.
	CrashProcess
)

const stackTraceLimit = 4096

// RecoverAndLog recovers a panic, logs it with a stack trace, and swallows it.
// Must be used in a defer statement.
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		handlePanic(context.Background(), logger, "", name, r, KeepRunning)
	}
}

// RecoverAndLogWithContext is RecoverAndLog with a context for trace
// correlation and a component tag.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, KeepRunning)
	}
}

// RecoverAndCrash recovers a panic, logs it, then re-panics with the original
// value so the process crashes with full context in the logs first.
func RecoverAndCrash(logger Logger, name string) {
	if r := recover(); r != nil {
		handlePanic(context.Background(), logger, "", name, r, CrashProcess)
	}
}

// RecoverAndCrashWithContext is RecoverAndCrash with context and component.
func RecoverAndCrashWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, CrashProcess)
	}
}

// RecoverWithPolicy recovers a panic and applies the given policy.
func RecoverWithPolicy(logger Logger, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(context.Background(), logger, "", name, r, policy)
	}
}

// RecoverWithPolicyAndContext is RecoverWithPolicy with context and component.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, policy)
	}
}

// SafeGo launches fn in a goroutine guarded by panic recovery with the given
// policy. The goroutine name appears in panic logs and metrics.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)

		fn()
	}()
}

// SafeGoWithContext launches fn(ctx) in a guarded goroutine.
func SafeGoWithContext(ctx context.Context, logger Logger, name string, policy PanicPolicy, fn func(ctx context.Context)) {
	SafeGoWithContextAndComponent(ctx, logger, "", name, policy, fn)
}

// SafeGoWithContextAndComponent launches fn(ctx) in a guarded goroutine with a
// component tag for panic logs, metrics, and error reports.
func SafeGoWithContextAndComponent(ctx context.Context, logger Logger, component, name string, policy PanicPolicy, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// handlePanic logs, records, and reports a recovered panic, then applies the
// policy. It never panics itself except to re-raise under CrashProcess.
func handlePanic(ctx context.Context, logger Logger, component, name string, panicValue any, policy PanicPolicy) {
	stack := debug.Stack()

	logPanicWithStack(logger, name, panicValue, stack)
	recordPanicRecovered(ctx, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)

	if policy == CrashProcess {
		panic(panicValue)
	}
}

// logPanic logs a recovered panic without a stack trace.
func logPanic(logger Logger, name string, panicValue any) {
	logPanicWithStack(logger, name, panicValue, nil)
}

// logPanicWithStack logs a recovered panic at error level. A nil logger is a
// no-op. The stack trace is truncated and redacted in production mode.
func logPanicWithStack(logger Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("goroutine", name),
		log.String("panic_value", formatPanicValue(panicValue)),
	}

	if len(stack) > 0 && !IsProductionMode() {
		stackStr := string(stack)
		if len(stackStr) > stackTraceLimit {
			stackStr = stackStr[:stackTraceLimit] + "\n...[truncated]"
		}

		fields = append(fields, log.String("stack", stackStr))
	}

	logger.Log(context.Background(), log.LevelError, "panic recovered", fields...)
}

// Package consistency provides the shared application plumbing for the
// library: the App/Launcher lifecycle used by background workers (outbox
// relay, inbox janitor, saga runner) and context helpers that carry the
// logger, tracer, and correlation ID across component boundaries.
package consistency

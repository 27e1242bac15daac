package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/backoff"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/LerianStudio/lib-consistency/consistency/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatchOnceResult summarizes one relay cycle.
type DispatchOnceResult struct {
	// Claimed is the number of records claimed at the start of the cycle.
	Claimed int

	// Dispatched is the number of records published and marked DISPATCHED.
	Dispatched int

	// Failed is the number of records rescheduled for retry.
	Failed int

	// DeadLettered is the number of records parked in the dead letter queue.
	DeadLettered int

	// Released is the number of records returned to PENDING unpublished
	// because the cycle was cancelled before reaching them.
	Released int

	// LeaseLost counts records skipped because their lease could not be
	// re-armed before publishing; another relay owns them now.
	LeaseLost int

	// StateUpdateFailed counts status updates that did not land. Those
	// records stay PROCESSING until their lease expires, so a duplicate
	// publish is possible for dispatched ones.
	StateUpdateFailed int
}

// Relay polls the outbox table and publishes claimed records through the
// handler registry. It is safe to run multiple relay instances against the
// same table: claims are coordinated by the repository, and an optional
// CycleLock reduces contention between instances.
type Relay struct {
	cfg      RelayConfig
	repo     Repository
	registry *HandlerRegistry
	metrics  *relayMetrics

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

func NewRelay(repo Repository, registry *HandlerRegistry, opts ...RelayOption) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if registry == nil {
		return nil, ErrHandlerRegistryRequired
	}

	cfg := DefaultRelayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.normalize()

	metrics, err := newRelayMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Relay{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		metrics:  metrics,
	}, nil
}

// Run implements consistency.App so the relay can be supervised by a
// Launcher. It blocks until Stop or Shutdown is called.
func (relay *Relay) Run(_ *consistency.Launcher) error {
	return relay.RunContext(context.Background())
}

// RunContext runs the poll loop until the context is cancelled or the relay
// is stopped. One dispatch cycle runs immediately, then one per
// PollInterval tick.
func (relay *Relay) RunContext(ctx context.Context) error {
	if err := relay.registerRun(); err != nil {
		return err
	}
	defer relay.clearRun()

	relay.cfg.Logger.Log(ctx, log.LevelInfo, "outbox relay started",
		log.String("relay_id", relay.cfg.RelayID),
		log.Duration("poll_interval", relay.cfg.PollInterval),
		log.Int("batch_size", relay.cfg.BatchSize),
	)

	relay.runCycle(ctx)

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			relay.cfg.Logger.Log(ctx, log.LevelInfo, "outbox relay context cancelled",
				log.String("relay_id", relay.cfg.RelayID))

			return ctx.Err()
		case <-relay.stopCh:
			relay.cfg.Logger.Log(ctx, log.LevelInfo, "outbox relay stopped",
				log.String("relay_id", relay.cfg.RelayID))

			return nil
		case <-ticker.C:
			relay.runCycle(ctx)
		}
	}
}

// Stop signals the poll loop to exit after the current cycle.
func (relay *Relay) Stop() {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	if !relay.running {
		return
	}

	relay.stopOnce.Do(func() {
		close(relay.stopCh)
	})
}

// Shutdown stops the relay and waits for the loop to exit or the context
// to expire.
func (relay *Relay) Shutdown(ctx context.Context) error {
	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.cfg.Logger, "outbox_relay_shutdown_wait", runtime.KeepRunning, func() {
		relay.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (relay *Relay) registerRun() error {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	if relay.running {
		return ErrRelayRunning
	}

	relay.running = true
	relay.stopCh = make(chan struct{})
	relay.stopOnce = &sync.Once{}
	relay.wg.Add(1)

	return nil
}

func (relay *Relay) clearRun() {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	relay.running = false
	relay.wg.Done()
}

// runCycle wraps one dispatch cycle with panic recovery, the optional
// cycle lock, and metrics. A lock acquisition failure skips the cycle;
// a lock infrastructure error does not, because claim correctness never
// depends on the lock.
func (relay *Relay) runCycle(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, relay.cfg.Logger, "outbox", "relay_cycle")

	if relay.cfg.CycleLock != nil {
		release, acquired, err := relay.cfg.CycleLock.TryAcquire(ctx)
		if err != nil {
			relay.cfg.Logger.Log(ctx, log.LevelWarn, "cycle lock unavailable, dispatching without it",
				log.String("relay_id", relay.cfg.RelayID),
				log.Err(err),
			)
		} else if !acquired {
			return
		} else {
			defer func() {
				if releaseErr := release(ctx); releaseErr != nil {
					relay.cfg.Logger.Log(ctx, log.LevelWarn, "cycle lock release failed",
						log.String("relay_id", relay.cfg.RelayID),
						log.Err(releaseErr),
					)
				}
			}()
		}
	}

	start := time.Now()

	result, err := relay.DispatchOnce(ctx)
	if err != nil {
		relay.cfg.Logger.Log(ctx, log.LevelError, "dispatch cycle failed",
			log.String("relay_id", relay.cfg.RelayID),
			log.Err(err),
		)
	}

	relay.metrics.recordCycle(ctx, relay.cfg.RelayID, result, time.Since(start).Seconds())
}

// DispatchOnce claims one batch of eligible records and publishes them in
// (aggregate_id, seq) order. The claim returns at most one record per
// aggregate, so ordering within an aggregate needs no in-batch handling.
// When the context is cancelled mid-batch, the remaining records are
// released back to PENDING without consuming an attempt.
func (relay *Relay) DispatchOnce(ctx context.Context) (DispatchOnceResult, error) {
	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox.relay.dispatch_once",
		trace.WithAttributes(attribute.String("relay_id", relay.cfg.RelayID)))
	defer span.End()

	var result DispatchOnceResult

	now := time.Now().UTC()

	records, err := relay.repo.ClaimBatch(ctx, relay.cfg.RelayID, relay.cfg.BatchSize, now, relay.cfg.LeaseDuration)
	if err != nil {
		return result, err
	}

	result.Claimed = len(records)
	span.SetAttributes(attribute.Int("claimed", len(records)))

	for i, record := range records {
		if ctx.Err() != nil {
			relay.releaseRemainder(ctx, logger, records[i:], &result)

			break
		}

		relay.dispatchRecord(ctx, logger, record, now, &result)
	}

	return result, nil
}

func (relay *Relay) releaseRemainder(ctx context.Context, logger log.Logger, records []*Record, result *DispatchOnceResult) {
	// The run context is gone; release through a fresh one so the CAS
	// still lands.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relay.cfg.PublishTimeout)
	defer cancel()

	for _, record := range records {
		if err := relay.repo.Release(releaseCtx, record.ID, relay.cfg.RelayID); err != nil {
			result.StateUpdateFailed++

			logger.Log(releaseCtx, log.LevelError, "record release failed",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)

			continue
		}

		result.Released++
	}
}

// dispatchRecord re-arms the record's lease, publishes it, and persists the
// outcome. A lease that cannot be re-armed means another relay took the
// record over; it is skipped without publishing.
func (relay *Relay) dispatchRecord(ctx context.Context, logger log.Logger, record *Record, now time.Time, result *DispatchOnceResult) {
	if err := relay.repo.ExtendLease(ctx, record.ID, relay.cfg.RelayID, time.Now().UTC().Add(relay.cfg.LeaseDuration)); err != nil {
		result.LeaseLost++

		logger.Log(ctx, log.LevelWarn, "lease lost before publish, skipping record",
			log.String("record_id", record.ID.String()),
			log.Err(err),
		)

		return
	}

	publishErr := relay.publishWithRetry(ctx, record)
	if publishErr == nil {
		if err := relay.repo.MarkDispatched(ctx, record.ID, relay.cfg.RelayID, time.Now().UTC()); err != nil {
			result.StateUpdateFailed++

			logger.Log(ctx, log.LevelError, "dispatched record state update failed, duplicate publish possible after lease expiry",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)

			return
		}

		result.Dispatched++

		return
	}

	sanitized := SanitizeErrorForStorage(publishErr)
	attempts := record.Attempts + 1

	if relay.isNonRetryable(publishErr) || attempts >= relay.cfg.MaxAttempts {
		if err := relay.repo.MarkDeadLetter(ctx, record.ID, relay.cfg.RelayID, sanitized); err != nil {
			result.StateUpdateFailed++

			logger.Log(ctx, log.LevelError, "dead letter state update failed",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)

			return
		}

		result.DeadLettered++

		logger.Log(ctx, log.LevelError, "record moved to dead letter queue",
			log.String("record_id", record.ID.String()),
			log.String("event_type", record.EventType),
			log.Int("attempts", attempts),
			log.String("error", sanitized),
		)

		return
	}

	nextAttemptAt := now.Add(backoff.Capped(relay.cfg.BackoffBase, record.Attempts, relay.cfg.BackoffCap))

	if err := relay.repo.MarkFailed(ctx, record.ID, relay.cfg.RelayID, sanitized, nextAttemptAt); err != nil {
		result.StateUpdateFailed++

		logger.Log(ctx, log.LevelError, "failed record state update failed",
			log.String("record_id", record.ID.String()),
			log.Err(err),
		)

		return
	}

	result.Failed++

	logger.Log(ctx, log.LevelWarn, "record publish failed, rescheduled",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.Int("attempts", attempts),
		log.Time("next_attempt_at", nextAttemptAt),
		log.String("error", sanitized),
	)
}

// publishWithRetry runs the handler with a per-attempt timeout and a short
// in-process retry budget. Non-retryable errors stop immediately.
func (relay *Relay) publishWithRetry(ctx context.Context, record *Record) error {
	var lastErr error

	for attempt := 0; attempt < relay.cfg.PublishMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(relay.cfg.PublishBackoff, attempt-1)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return err
			}
		}

		publishCtx, cancel, err := consistency.WithTimeoutSafe(ctx, relay.cfg.PublishTimeout)
		if err != nil {
			return err
		}

		lastErr = relay.registry.Handle(publishCtx, record)

		cancel()

		if lastErr == nil {
			return nil
		}

		if relay.isNonRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func (relay *Relay) isNonRetryable(err error) bool {
	if relay.cfg.Classifier == nil {
		return false
	}

	return relay.cfg.Classifier.IsNonRetryable(err)
}

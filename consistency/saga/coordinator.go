package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrStoreRequired               = errors.New("saga store is required")
	ErrCacheRequired               = errors.New("saga idempotency cache is required")
	ErrDefinitionAlreadyRegistered = errors.New("saga definition already registered")
	ErrStepInFlight                = errors.New("saga step is in flight on another worker")
)

// DefaultLeaseDuration is how long a coordinator owns an instance
// between persisted transitions before the runner may take it over.
const DefaultLeaseDuration = time.Minute

const coordinatorMeterName = "github.com/LerianStudio/lib-consistency/consistency/saga"

type coordinatorMetrics struct {
	started             metric.Int64Counter
	completed           metric.Int64Counter
	rolledBack          metric.Int64Counter
	compensationsFailed metric.Int64Counter
}

func newCoordinatorMetrics(provider metric.MeterProvider) (*coordinatorMetrics, error) {
	meter := provider.Meter(coordinatorMeterName)

	started, err := meter.Int64Counter(
		"saga.coordinator.started.total",
		metric.WithDescription("Saga instances started"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create started counter: %w", err)
	}

	completed, err := meter.Int64Counter(
		"saga.coordinator.completed.total",
		metric.WithDescription("Saga instances completed"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create completed counter: %w", err)
	}

	rolledBack, err := meter.Int64Counter(
		"saga.coordinator.rolled_back.total",
		metric.WithDescription("Saga instances fully compensated"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rolled back counter: %w", err)
	}

	compensationsFailed, err := meter.Int64Counter(
		"saga.coordinator.compensation_failed.total",
		metric.WithDescription("Saga instances escalated to the operator queue"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compensation failed counter: %w", err)
	}

	return &coordinatorMetrics{
		started:             started,
		completed:           completed,
		rolledBack:          rolledBack,
		compensationsFailed: compensationsFailed,
	}, nil
}

type CoordinatorOption func(*coordinatorConfig)

type coordinatorConfig struct {
	lease         time.Duration
	logger        log.Logger
	meterProvider metric.MeterProvider
}

func WithLeaseDuration(lease time.Duration) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		if lease > 0 {
			cfg.lease = lease
		}
	}
}

func WithCoordinatorLogger(logger log.Logger) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func WithCoordinatorMeterProvider(provider metric.MeterProvider) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

// Coordinator drives saga instances through their definitions. All
// progress is persisted before the next action runs, so any worker can
// pick an instance up from storage alone. Every forward and compensation
// action runs under a per-step idempotency key, so two workers driving
// the same instance, such as a runner takeover of a slow coordinator,
// execute each step's effect at most once.
type Coordinator struct {
	cfg     coordinatorConfig
	store   Store
	cache   *idempotency.Cache
	metrics *coordinatorMetrics

	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewCoordinator(store Store, cache *idempotency.Cache, opts ...CoordinatorOption) (*Coordinator, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if cache == nil {
		return nil, ErrCacheRequired
	}

	cfg := coordinatorConfig{
		lease:         DefaultLeaseDuration,
		logger:        log.NewNop(),
		meterProvider: noop.NewMeterProvider(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	metrics, err := newCoordinatorMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		metrics: metrics,
		defs:    map[string]*Definition{},
	}, nil
}

// Register makes a definition available for Start and Resume.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := strings.TrimSpace(def.Name)

	if _, exists := c.defs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionAlreadyRegistered, name)
	}

	c.defs[name] = def

	return nil
}

func (c *Coordinator) definition(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}

	return def, nil
}

// Start persists a new instance for the named definition and drives it
// to a terminal state. The returned instance reflects the final state;
// a saga that rolled back returns without error, the business failure is
// in LastError.
func (c *Coordinator) Start(ctx context.Context, definitionName string, input []byte) (*Instance, error) {
	def, err := c.definition(definitionName)
	if err != nil {
		return nil, err
	}

	instance, err := NewInstance(def, input)
	if err != nil {
		return nil, err
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "saga.coordinator.start",
		trace.WithAttributes(
			attribute.String("saga_name", def.Name),
			attribute.String("saga_id", instance.ID.String()),
		))
	defer span.End()

	leaseUntil := time.Now().UTC().Add(c.cfg.lease)
	instance.LeaseUntil = &leaseUntil

	if err := c.store.Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("creating saga instance: %w", err)
	}

	c.metrics.started.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", def.Name)))

	logger.Log(ctx, log.LevelInfo, "saga started",
		log.String("saga_name", def.Name),
		log.String("saga_id", instance.ID.String()),
	)

	if err := c.drive(ctx, logger, def, instance); err != nil {
		return instance, err
	}

	return instance, nil
}

// Resume loads a non-terminal instance and drives it from its persisted
// position. It is safe to call on an instance that crashed mid-step: the
// in-flight step is re-run under its idempotency key.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) (*Instance, error) {
	if id == uuid.Nil {
		return nil, ErrInstanceNotFound
	}

	instance, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return c.resumeInstance(ctx, instance)
}

func (c *Coordinator) resumeInstance(ctx context.Context, instance *Instance) (*Instance, error) {
	if instance.Status.Terminal() {
		return instance, ErrInstanceTerminal
	}

	def, err := c.definition(instance.Name)
	if err != nil {
		return instance, err
	}

	if len(instance.Steps) != len(def.Steps) {
		return instance, fmt.Errorf("%w: %d persisted vs %d defined", ErrStepCountMismatch, len(instance.Steps), len(def.Steps))
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "saga.coordinator.resume",
		trace.WithAttributes(
			attribute.String("saga_name", instance.Name),
			attribute.String("saga_id", instance.ID.String()),
		))
	defer span.End()

	if err := c.persist(ctx, instance); err != nil {
		return instance, err
	}

	logger.Log(ctx, log.LevelInfo, "saga resumed",
		log.String("saga_name", instance.Name),
		log.String("saga_id", instance.ID.String()),
		log.Int("current_step", instance.CurrentStep),
		log.String("status", string(instance.Status)),
	)

	if err := c.drive(ctx, logger, def, instance); err != nil {
		return instance, err
	}

	return instance, nil
}

// drive moves the instance forward or through compensation until it
// reaches a terminal state or an action error requires another attempt.
func (c *Coordinator) drive(ctx context.Context, logger log.Logger, def *Definition, instance *Instance) error {
	if instance.Status == StatusCompensating {
		return c.compensate(ctx, logger, def, instance)
	}

	for instance.CurrentStep < len(def.Steps) {
		i := instance.CurrentStep
		step := def.Steps[i]

		if instance.Steps[i].Status != StepRunning {
			if err := instance.setStep(i, StepRunning, ""); err != nil {
				return err
			}

			if err := c.persist(ctx, instance); err != nil {
				return err
			}
		}

		runErr := c.runAction(ctx, StepIdempotencyKey(instance.ID, i), step.Forward, instance, i)
		if runErr != nil {
			if errors.Is(runErr, ErrStepInFlight) {
				return runErr
			}

			if err := instance.setStep(i, StepFailed, runErr.Error()); err != nil {
				return err
			}

			instance.LastError = runErr.Error()
			instance.Status = StatusCompensating

			if err := c.persist(ctx, instance); err != nil {
				return err
			}

			logger.Log(ctx, log.LevelWarn, "saga step failed, compensating",
				log.String("saga_id", instance.ID.String()),
				log.String("step", step.Name),
				log.Int("step_index", i),
				log.Err(runErr),
			)

			return c.compensate(ctx, logger, def, instance)
		}

		if err := instance.setStep(i, StepDone, ""); err != nil {
			return err
		}

		instance.CurrentStep = i + 1

		if err := c.persist(ctx, instance); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	instance.Status = StatusCompleted
	instance.CompletedAt = &now
	instance.LeaseUntil = nil

	if err := c.persist(ctx, instance); err != nil {
		return err
	}

	c.metrics.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", instance.Name)))

	logger.Log(ctx, log.LevelInfo, "saga completed",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_name", instance.Name),
	)

	return nil
}

// compensate undoes completed steps in strict reverse order. The failed
// forward step itself is not compensated; only steps persisted DONE (or
// interrupted mid-compensation) are.
func (c *Coordinator) compensate(ctx context.Context, logger log.Logger, def *Definition, instance *Instance) error {
	for {
		i := instance.lastDoneStep()
		if i < 0 {
			break
		}

		step := def.Steps[i]

		if instance.Steps[i].Status != StepCompensating {
			if err := instance.setStep(i, StepCompensating, ""); err != nil {
				return err
			}

			if err := c.persist(ctx, instance); err != nil {
				return err
			}
		}

		if step.Compensation != nil {
			runErr := c.runAction(ctx, CompensationIdempotencyKey(instance.ID, i), step.Compensation, instance, i)
			if runErr != nil {
				if errors.Is(runErr, ErrStepInFlight) {
					return runErr
				}

				return c.escalate(ctx, logger, instance, i, step.Name, runErr)
			}
		}

		if err := instance.setStep(i, StepCompensated, ""); err != nil {
			return err
		}

		if err := c.persist(ctx, instance); err != nil {
			return err
		}
	}

	instance.Status = StatusRolledBack
	instance.LeaseUntil = nil

	now := time.Now().UTC()
	instance.CompletedAt = &now

	if err := c.persist(ctx, instance); err != nil {
		return err
	}

	c.metrics.rolledBack.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", instance.Name)))

	logger.Log(ctx, log.LevelInfo, "saga rolled back",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_name", instance.Name),
		log.String("business_error", instance.LastError),
	)

	return nil
}

// escalate parks the instance as COMPENSATION_FAILED and enqueues the
// failure for operators. Automated rollback stops here.
func (c *Coordinator) escalate(ctx context.Context, logger log.Logger, instance *Instance, stepIndex int, stepName string, cause error) error {
	instance.Status = StatusCompensationFailed
	instance.LastError = cause.Error()
	instance.LeaseUntil = nil

	if err := c.persist(ctx, instance); err != nil {
		return err
	}

	failure := &FailedCompensation{
		ID:        uuid.New(),
		SagaID:    instance.ID,
		StepIndex: stepIndex,
		StepName:  stepName,
		Reason:    cause.Error(),
		CreatedAt: time.Now().UTC(),
	}

	if err := c.store.EnqueueFailedCompensation(ctx, failure); err != nil {
		logger.Log(ctx, log.LevelError, "failed to enqueue compensation failure",
			log.String("saga_id", instance.ID.String()),
			log.Err(err),
		)
	}

	c.metrics.compensationsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", instance.Name)))

	logger.Log(ctx, log.LevelError, "saga compensation failed, operator intervention required",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_name", instance.Name),
		log.String("step", stepName),
		log.Int("step_index", stepIndex),
		log.Err(cause),
	)

	return fmt.Errorf("compensating step %d (%s): %w", stepIndex, stepName, cause)
}

// runAction executes one forward or compensation action under its
// idempotency key. A cached failure replays as the original error; a key
// held by another worker surfaces as ErrStepInFlight so this worker
// backs off.
func (c *Coordinator) runAction(ctx context.Context, key string, action ActionFunc, instance *Instance, stepIndex int) error {
	decision, err := c.cache.Begin(ctx, key)
	if err != nil {
		return err
	}

	switch decision.Kind {
	case idempotency.DecisionReturnCached:
		if decision.Status == idempotency.StatusFailed {
			return errors.New(string(decision.Response))
		}

		return nil
	case idempotency.DecisionInProgressConflict:
		return ErrStepInFlight
	}

	if err := action(ctx, instance.ID, stepIndex, instance.Input); err != nil {
		if failErr := c.cache.Fail(ctx, key, err.Error()); failErr != nil {
			c.cfg.logger.Log(ctx, log.LevelWarn, "failed to cache step failure",
				log.String("idempotency_key", key),
				log.Err(failErr),
			)
		}

		return err
	}

	if completeErr := c.cache.Complete(ctx, key, nil); completeErr != nil {
		c.cfg.logger.Log(ctx, log.LevelWarn, "failed to cache step completion",
			log.String("idempotency_key", key),
			log.Err(completeErr),
		)
	}

	return nil
}

// persist stores the instance's current state and extends the lease for
// non-terminal instances.
func (c *Coordinator) persist(ctx context.Context, instance *Instance) error {
	now := time.Now().UTC()
	instance.UpdatedAt = now

	if !instance.Status.Terminal() {
		leaseUntil := now.Add(c.cfg.lease)
		instance.LeaseUntil = &leaseUntil
	}

	if err := c.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting saga instance: %w", err)
	}

	return nil
}

// ListFailedCompensations exposes the operator queue.
func (c *Coordinator) ListFailedCompensations(ctx context.Context, limit int) ([]*FailedCompensation, error) {
	return c.store.ListFailedCompensations(ctx, limit)
}

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/LerianStudio/lib-consistency/consistency/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	ErrCoordinatorRequired = errors.New("saga coordinator is required")
	ErrRunnerRunning       = errors.New("saga runner is already running")
)

const (
	// DefaultRunnerPollInterval is how often the runner looks for stuck
	// instances.
	DefaultRunnerPollInterval = 10 * time.Second

	// DefaultRunnerBatchSize bounds how many instances one sweep claims.
	DefaultRunnerBatchSize = 10
)

// RunnerConfig controls the recovery loop.
type RunnerConfig struct {
	PollInterval time.Duration
	BatchSize    int

	Logger        log.Logger
	MeterProvider metric.MeterProvider
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: DefaultRunnerPollInterval,
		BatchSize:    DefaultRunnerBatchSize,
	}
}

func (cfg *RunnerConfig) normalize() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerPollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRunnerBatchSize
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}
}

type RunnerOption func(*RunnerConfig)

func WithRunnerPollInterval(interval time.Duration) RunnerOption {
	return func(cfg *RunnerConfig) {
		if interval > 0 {
			cfg.PollInterval = interval
		}
	}
}

func WithRunnerBatchSize(size int) RunnerOption {
	return func(cfg *RunnerConfig) {
		if size > 0 {
			cfg.BatchSize = size
		}
	}
}

func WithRunnerLogger(logger log.Logger) RunnerOption {
	return func(cfg *RunnerConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func WithRunnerMeterProvider(provider metric.MeterProvider) RunnerOption {
	return func(cfg *RunnerConfig) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	}
}

// Runner recovers sagas whose worker died: it polls for non-terminal
// instances with an expired lease, claims them and resumes each from its
// persisted state. It implements consistency.App.
type Runner struct {
	cfg         RunnerConfig
	coordinator *Coordinator
	resumed     metric.Int64Counter

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

func NewRunner(coordinator *Coordinator, opts ...RunnerOption) (*Runner, error) {
	if coordinator == nil {
		return nil, ErrCoordinatorRequired
	}

	cfg := DefaultRunnerConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cfg.normalize()

	meter := cfg.MeterProvider.Meter(coordinatorMeterName)

	resumed, err := meter.Int64Counter(
		"saga.runner.resumed.total",
		metric.WithDescription("Stuck saga instances taken over by the runner"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resumed counter: %w", err)
	}

	return &Runner{cfg: cfg, coordinator: coordinator, resumed: resumed}, nil
}

// Run implements consistency.App so the runner can be supervised by a
// Launcher. It blocks until Stop or Shutdown is called.
func (runner *Runner) Run(_ *consistency.Launcher) error {
	return runner.RunContext(context.Background())
}

// RunContext runs the recovery loop until the context is cancelled or
// the runner is stopped. One sweep runs immediately, then one per
// PollInterval tick.
func (runner *Runner) RunContext(ctx context.Context) error {
	if err := runner.registerRun(); err != nil {
		return err
	}
	defer runner.clearRun()

	runner.cfg.Logger.Log(ctx, log.LevelInfo, "saga runner started",
		log.Duration("poll_interval", runner.cfg.PollInterval),
		log.Int("batch_size", runner.cfg.BatchSize),
	)

	runner.runSweep(ctx)

	ticker := time.NewTicker(runner.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			runner.cfg.Logger.Log(ctx, log.LevelInfo, "saga runner context cancelled")

			return ctx.Err()
		case <-runner.stopCh:
			runner.cfg.Logger.Log(ctx, log.LevelInfo, "saga runner stopped")

			return nil
		case <-ticker.C:
			runner.runSweep(ctx)
		}
	}
}

// Stop signals the recovery loop to exit after the current sweep.
func (runner *Runner) Stop() {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if !runner.running {
		return
	}

	runner.stopOnce.Do(func() {
		close(runner.stopCh)
	})
}

// Shutdown stops the runner and waits for the loop to exit or the
// context to expire.
func (runner *Runner) Shutdown(ctx context.Context) error {
	runner.Stop()

	done := make(chan struct{})

	runtime.SafeGo(runner.cfg.Logger, "saga_runner_shutdown_wait", runtime.KeepRunning, func() {
		runner.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (runner *Runner) registerRun() error {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if runner.running {
		return ErrRunnerRunning
	}

	runner.running = true
	runner.stopCh = make(chan struct{})
	runner.stopOnce = &sync.Once{}
	runner.wg.Add(1)

	return nil
}

func (runner *Runner) clearRun() {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	runner.running = false
	runner.wg.Done()
}

func (runner *Runner) runSweep(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, runner.cfg.Logger, "saga", "runner_sweep")

	if _, err := runner.ResumeExpired(ctx); err != nil {
		runner.cfg.Logger.Log(ctx, log.LevelError, "saga recovery sweep failed", log.Err(err))
	}
}

// ResumeExpired claims one batch of lease-expired instances and resumes
// them. It returns how many instances were taken over.
func (runner *Runner) ResumeExpired(ctx context.Context) (int, error) {
	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "saga.runner.resume_expired")
	defer span.End()

	instances, err := runner.coordinator.store.ClaimExpired(
		ctx,
		time.Now().UTC(),
		runner.coordinator.cfg.lease,
		runner.cfg.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("claiming expired sagas: %w", err)
	}

	span.SetAttributes(attribute.Int("claimed", len(instances)))

	for _, instance := range instances {
		runner.resumed.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", instance.Name)))

		if _, resumeErr := runner.coordinator.resumeInstance(ctx, instance); resumeErr != nil {
			// The lease keeps protecting the instance; the next sweep
			// retries once it expires again.
			runner.cfg.Logger.Log(ctx, log.LevelWarn, "saga resume failed",
				log.String("saga_id", instance.ID.String()),
				log.String("saga_name", instance.Name),
				log.Err(resumeErr),
			)
		}
	}

	return len(instances), nil
}

package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/LerianStudio/lib-consistency/consistency/runtime"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var ErrJanitorRunning = errors.New("inbox janitor is already running")

const (
	// DefaultDedupWindow bounds table growth. Messages older than the
	// window can be replayed without being caught, so it must exceed the
	// broker's maximum redelivery horizon.
	DefaultDedupWindow = 7 * 24 * time.Hour

	// DefaultPurgeInterval is how often the janitor sweeps.
	DefaultPurgeInterval = time.Hour
)

// JanitorConfig controls the purge loop.
type JanitorConfig struct {
	// DedupWindow is how long admissions are retained.
	DedupWindow time.Duration

	// PurgeInterval is the sweep period.
	PurgeInterval time.Duration

	Logger        log.Logger
	MeterProvider metric.MeterProvider
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		DedupWindow:   DefaultDedupWindow,
		PurgeInterval: DefaultPurgeInterval,
	}
}

func (cfg *JanitorConfig) normalize() {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}

	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}
}

type JanitorOption func(*JanitorConfig)

func WithDedupWindow(window time.Duration) JanitorOption {
	return func(cfg *JanitorConfig) {
		if window > 0 {
			cfg.DedupWindow = window
		}
	}
}

func WithPurgeInterval(interval time.Duration) JanitorOption {
	return func(cfg *JanitorConfig) {
		if interval > 0 {
			cfg.PurgeInterval = interval
		}
	}
}

func WithJanitorLogger(logger log.Logger) JanitorOption {
	return func(cfg *JanitorConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func WithJanitorMeterProvider(provider metric.MeterProvider) JanitorOption {
	return func(cfg *JanitorConfig) {
		if provider != nil {
			cfg.MeterProvider = provider
		}
	}
}

// Janitor purges inbox records older than the dedup window on an
// interval. It implements consistency.App.
type Janitor struct {
	cfg    JanitorConfig
	store  Store
	purged metric.Int64Counter

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

func NewJanitor(store Store, opts ...JanitorOption) (*Janitor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	cfg := DefaultJanitorConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cfg.normalize()

	meter := cfg.MeterProvider.Meter(guardMeterName)

	purged, err := meter.Int64Counter(
		"inbox.janitor.purged.total",
		metric.WithDescription("Number of inbox records removed by the janitor"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purged counter: %w", err)
	}

	return &Janitor{cfg: cfg, store: store, purged: purged}, nil
}

// Run implements consistency.App so the janitor can be supervised by a
// Launcher. It blocks until Stop or Shutdown is called.
func (janitor *Janitor) Run(_ *consistency.Launcher) error {
	return janitor.RunContext(context.Background())
}

// RunContext runs the purge loop until the context is cancelled or the
// janitor is stopped. One sweep runs immediately, then one per
// PurgeInterval tick.
func (janitor *Janitor) RunContext(ctx context.Context) error {
	if err := janitor.registerRun(); err != nil {
		return err
	}
	defer janitor.clearRun()

	janitor.cfg.Logger.Log(ctx, log.LevelInfo, "inbox janitor started",
		log.Duration("dedup_window", janitor.cfg.DedupWindow),
		log.Duration("purge_interval", janitor.cfg.PurgeInterval),
	)

	janitor.runSweep(ctx)

	ticker := time.NewTicker(janitor.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			janitor.cfg.Logger.Log(ctx, log.LevelInfo, "inbox janitor context cancelled")

			return ctx.Err()
		case <-janitor.stopCh:
			janitor.cfg.Logger.Log(ctx, log.LevelInfo, "inbox janitor stopped")

			return nil
		case <-ticker.C:
			janitor.runSweep(ctx)
		}
	}
}

// Stop signals the purge loop to exit after the current sweep.
func (janitor *Janitor) Stop() {
	janitor.mu.Lock()
	defer janitor.mu.Unlock()

	if !janitor.running {
		return
	}

	janitor.stopOnce.Do(func() {
		close(janitor.stopCh)
	})
}

// Shutdown stops the janitor and waits for the loop to exit or the
// context to expire.
func (janitor *Janitor) Shutdown(ctx context.Context) error {
	janitor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(janitor.cfg.Logger, "inbox_janitor_shutdown_wait", runtime.KeepRunning, func() {
		janitor.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (janitor *Janitor) registerRun() error {
	janitor.mu.Lock()
	defer janitor.mu.Unlock()

	if janitor.running {
		return ErrJanitorRunning
	}

	janitor.running = true
	janitor.stopCh = make(chan struct{})
	janitor.stopOnce = &sync.Once{}
	janitor.wg.Add(1)

	return nil
}

func (janitor *Janitor) clearRun() {
	janitor.mu.Lock()
	defer janitor.mu.Unlock()

	janitor.running = false
	janitor.wg.Done()
}

func (janitor *Janitor) runSweep(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, janitor.cfg.Logger, "inbox", "janitor_sweep")

	cutoff := time.Now().UTC().Add(-janitor.cfg.DedupWindow)

	removed, err := janitor.PurgeOnce(ctx, cutoff)
	if err != nil {
		janitor.cfg.Logger.Log(ctx, log.LevelError, "inbox purge sweep failed", log.Err(err))

		return
	}

	if removed > 0 {
		janitor.cfg.Logger.Log(ctx, log.LevelInfo, "inbox records purged",
			log.Int64("removed", removed),
			log.Time("cutoff", cutoff),
		)
	}
}

// PurgeOnce removes records processed before the cutoff and returns how
// many were deleted.
func (janitor *Janitor) PurgeOnce(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := janitor.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("inbox purge: %w", err)
	}

	janitor.purged.Add(ctx, removed)

	return removed, nil
}

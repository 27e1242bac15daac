package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrStoreRequired        = errors.New("inbox store is required")
	ErrMessageIDRequired    = errors.New("message id is required")
	ErrConsumerNameRequired = errors.New("consumer name is required")
	ErrOutcomeInvalid       = errors.New("invalid inbox outcome")
	ErrMessageNotFound      = errors.New("inbox message not found")
)

// Admission is the guard's verdict for one (message, consumer) pair.
type Admission int

const (
	// AdmissionAdmit means the effect has never run; the caller proceeds.
	AdmissionAdmit Admission = iota

	// AdmissionAlreadyProcessed means the effect already ran or is
	// running; the caller must skip it entirely.
	AdmissionAlreadyProcessed
)

func (admission Admission) String() string {
	switch admission {
	case AdmissionAdmit:
		return "ADMIT"
	case AdmissionAlreadyProcessed:
		return "ALREADY_PROCESSED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal result stamped on an admitted message.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSkipped   Outcome = "SKIPPED"
)

func (outcome Outcome) IsValid() bool {
	switch outcome {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return true
	default:
		return false
	}
}

// Message is one recorded (message_id, consumer_name) admission.
type Message struct {
	MessageID    string
	ConsumerName string
	Outcome      string
	ProcessedAt  time.Time
}

// Tx is the transactional handle shared between the guard insert and the
// caller's side effect.
type Tx = *sql.Tx

// Store persists inbox admissions.
//
// Insert must be an atomic insert that reports a duplicate rather than
// failing, so admission maps directly onto the uniqueness constraint.
type Store interface {
	// Insert records the pair. Returns false when the pair already
	// exists.
	Insert(ctx context.Context, messageID, consumerName string, processedAt time.Time) (bool, error)

	// InsertWithTx is Insert within the caller's transaction so the
	// admission commits atomically with the side effect.
	InsertWithTx(ctx context.Context, tx Tx, messageID, consumerName string, processedAt time.Time) (bool, error)

	// RecordOutcome stamps the terminal outcome on an existing pair.
	RecordOutcome(ctx context.Context, messageID, consumerName string, outcome Outcome) error

	// GetMessage loads one recorded admission.
	GetMessage(ctx context.Context, messageID, consumerName string) (*Message, error)

	// PurgeOlderThan deletes records processed before the cutoff and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

const guardMeterName = "github.com/LerianStudio/lib-consistency/consistency/inbox"

type guardMetrics struct {
	admitted   metric.Int64Counter
	duplicates metric.Int64Counter
}

func newGuardMetrics(provider metric.MeterProvider) (*guardMetrics, error) {
	meter := provider.Meter(guardMeterName)

	admitted, err := meter.Int64Counter(
		"inbox.guard.admitted.total",
		metric.WithDescription("Number of messages admitted for processing"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create admitted counter: %w", err)
	}

	duplicates, err := meter.Int64Counter(
		"inbox.guard.duplicates.total",
		metric.WithDescription("Number of replayed messages rejected by the guard"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duplicates counter: %w", err)
	}

	return &guardMetrics{admitted: admitted, duplicates: duplicates}, nil
}

// Guard decides whether a message's side effect may run.
type Guard struct {
	store   Store
	metrics *guardMetrics
}

type GuardOption func(*guardConfig)

type guardConfig struct {
	meterProvider metric.MeterProvider
}

func WithGuardMeterProvider(provider metric.MeterProvider) GuardOption {
	return func(cfg *guardConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

func NewGuard(store Store, opts ...GuardOption) (*Guard, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	cfg := guardConfig{meterProvider: noop.NewMeterProvider()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	metrics, err := newGuardMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Guard{store: store, metrics: metrics}, nil
}

// TryBeginProcessing atomically records that consumerName is processing
// messageID. AdmissionAlreadyProcessed means the caller must skip the
// side effect.
func (guard *Guard) TryBeginProcessing(ctx context.Context, messageID, consumerName string) (Admission, error) {
	return guard.tryBegin(ctx, nil, messageID, consumerName)
}

// TryBeginProcessingWithTx shares the caller's transaction so guard and
// effect commit or roll back together.
func (guard *Guard) TryBeginProcessingWithTx(ctx context.Context, tx Tx, messageID, consumerName string) (Admission, error) {
	return guard.tryBegin(ctx, tx, messageID, consumerName)
}

func (guard *Guard) tryBegin(ctx context.Context, tx Tx, messageID, consumerName string) (Admission, error) {
	if guard == nil || guard.store == nil {
		return AdmissionAlreadyProcessed, ErrStoreRequired
	}

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return AdmissionAlreadyProcessed, ErrMessageIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return AdmissionAlreadyProcessed, ErrConsumerNameRequired
	}

	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "inbox.guard.try_begin_processing",
		trace.WithAttributes(attribute.String("consumer_name", consumerName)))
	defer span.End()

	var (
		inserted bool
		err      error
	)

	now := time.Now().UTC()

	if tx != nil {
		inserted, err = guard.store.InsertWithTx(ctx, tx, messageID, consumerName, now)
	} else {
		inserted, err = guard.store.Insert(ctx, messageID, consumerName, now)
	}

	if err != nil {
		return AdmissionAlreadyProcessed, fmt.Errorf("inbox admission: %w", err)
	}

	consumerAttr := metric.WithAttributes(attribute.String("consumer_name", consumerName))

	if !inserted {
		guard.metrics.duplicates.Add(ctx, 1, consumerAttr)
		span.SetAttributes(attribute.String("admission", AdmissionAlreadyProcessed.String()))

		return AdmissionAlreadyProcessed, nil
	}

	guard.metrics.admitted.Add(ctx, 1, consumerAttr)
	span.SetAttributes(attribute.String("admission", AdmissionAdmit.String()))

	return AdmissionAdmit, nil
}

// RecordOutcome stamps the terminal outcome on an admitted message.
func (guard *Guard) RecordOutcome(ctx context.Context, messageID, consumerName string, outcome Outcome) error {
	if guard == nil || guard.store == nil {
		return ErrStoreRequired
	}

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ErrMessageIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return ErrConsumerNameRequired
	}

	if !outcome.IsValid() {
		return fmt.Errorf("%w: %q", ErrOutcomeInvalid, outcome)
	}

	if err := guard.store.RecordOutcome(ctx, messageID, consumerName, outcome); err != nil {
		return fmt.Errorf("inbox outcome: %w", err)
	}

	return nil
}

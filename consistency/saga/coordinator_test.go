//go:build unit

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// actionRecorder tracks the order actions ran in and lets tests inject
// failures per key.
type actionRecorder struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
}

func newActionRecorder() *actionRecorder {
	return &actionRecorder{failures: map[string]error{}}
}

func (rec *actionRecorder) action(label string) ActionFunc {
	return func(_ context.Context, _ uuid.UUID, _ int, _ []byte) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()

		rec.calls = append(rec.calls, label)

		if err, ok := rec.failures[label]; ok {
			return err
		}

		return nil
	}
}

func (rec *actionRecorder) failOn(label string, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.failures[label] = err
}

func (rec *actionRecorder) recorded() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]string(nil), rec.calls...)
}

func transferDefinition(rec *actionRecorder) *Definition {
	return &Definition{
		Name: "transfer",
		Steps: []Step{
			{Name: "debit", Forward: rec.action("debit"), Compensation: rec.action("undo-debit")},
			{Name: "credit", Forward: rec.action("credit"), Compensation: rec.action("undo-credit")},
			{Name: "notify", Forward: rec.action("notify"), Compensation: rec.action("undo-notify")},
		},
	}
}

func newTestCache(t *testing.T) *idempotency.Cache {
	t.Helper()

	cache, err := idempotency.NewCache(newIdempotencyMemoryStore())
	require.NoError(t, err)

	return cache
}

func newTestCoordinator(t *testing.T, store *memoryStore, rec *actionRecorder, opts ...CoordinatorOption) *Coordinator {
	t.Helper()

	coordinator, err := NewCoordinator(store, newTestCache(t), opts...)
	require.NoError(t, err)
	require.NoError(t, coordinator.Register(transferDefinition(rec)))

	return coordinator
}

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()

	coordinator, err := NewCoordinator(nil, newTestCache(t))
	assert.Nil(t, coordinator)
	assert.ErrorIs(t, err, ErrStoreRequired)

	var store *memoryStore

	coordinator, err = NewCoordinator(store, newTestCache(t))
	assert.Nil(t, coordinator)
	assert.ErrorIs(t, err, ErrStoreRequired)

	coordinator, err = NewCoordinator(newMemoryStore(), nil)
	assert.Nil(t, coordinator)
	assert.ErrorIs(t, err, ErrCacheRequired)
}

func TestCoordinator_Register(t *testing.T) {
	t.Parallel()

	coordinator, err := NewCoordinator(newMemoryStore(), newTestCache(t))
	require.NoError(t, err)

	rec := newActionRecorder()

	require.NoError(t, coordinator.Register(transferDefinition(rec)))
	assert.ErrorIs(t, coordinator.Register(transferDefinition(rec)), ErrDefinitionAlreadyRegistered)

	assert.ErrorIs(t, coordinator.Register(&Definition{Name: ""}), ErrDefinitionNameRequired)
	assert.ErrorIs(t, coordinator.Register(&Definition{Name: "empty"}), ErrStepsRequired)
	assert.ErrorIs(t, coordinator.Register(&Definition{
		Name:  "broken",
		Steps: []Step{{Name: "step"}},
	}), ErrForwardRequired)
	assert.ErrorIs(t, coordinator.Register(&Definition{
		Name: "dup",
		Steps: []Step{
			{Name: "same", Forward: rec.action("a")},
			{Name: "same", Forward: rec.action("b")},
		},
	}), ErrStepNameDuplicated)
}

func TestCoordinator_Start_CompletesForward(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	instance, err := coordinator.Start(context.Background(), "transfer", []byte(`{"amount":10}`))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, 3, instance.CurrentStep)
	assert.NotNil(t, instance.CompletedAt)
	assert.Nil(t, instance.LeaseUntil)
	assert.Equal(t, []string{"debit", "credit", "notify"}, rec.recorded())

	for _, step := range instance.Steps {
		assert.Equal(t, StepDone, step.Status)
	}
}

func TestCoordinator_Start_UnknownDefinition(t *testing.T) {
	t.Parallel()

	coordinator, err := NewCoordinator(newMemoryStore(), newTestCache(t))
	require.NoError(t, err)

	_, err = coordinator.Start(context.Background(), "unregistered", nil)
	assert.ErrorIs(t, err, ErrUnknownDefinition)
}

func TestCoordinator_Start_PersistsBeforeEachStep(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	_, err := coordinator.Start(context.Background(), "transfer", nil)
	require.NoError(t, err)

	// Every step must persist RUNNING before its action and DONE after,
	// so a crash at any point recovers to the exact step.
	var sawRunning [3]bool

	for _, state := range store.updates {
		for i, status := range state.steps {
			if status == StepRunning {
				sawRunning[i] = true
			}

			if status == StepDone {
				assert.True(t, sawRunning[i], "step %d persisted DONE without a prior RUNNING", i)
			}
		}
	}

	for i, saw := range sawRunning {
		assert.True(t, saw, "step %d never persisted RUNNING", i)
	}
}

func TestCoordinator_FailureCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	rec.failOn("notify", errors.New("smtp unavailable"))

	coordinator := newTestCoordinator(t, store, rec)

	instance, err := coordinator.Start(context.Background(), "transfer", nil)
	require.NoError(t, err, "a fully compensated saga is not an error")

	assert.Equal(t, StatusRolledBack, instance.Status)
	assert.Equal(t, "smtp unavailable", instance.LastError)
	assert.Equal(t,
		[]string{"debit", "credit", "notify", "undo-credit", "undo-debit"},
		rec.recorded(),
		"compensation must run in strict reverse order of completed steps, skipping the failed one")

	assert.Equal(t, StepCompensated, instance.Steps[0].Status)
	assert.Equal(t, StepCompensated, instance.Steps[1].Status)
	assert.Equal(t, StepFailed, instance.Steps[2].Status)
}

func TestCoordinator_FirstStepFailureRollsBackWithNoCompensations(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	rec.failOn("debit", errors.New("insufficient funds"))

	coordinator := newTestCoordinator(t, store, rec)

	instance, err := coordinator.Start(context.Background(), "transfer", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRolledBack, instance.Status)
	assert.Equal(t, []string{"debit"}, rec.recorded())
}

func TestCoordinator_CompensationFailureEscalates(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	rec.failOn("notify", errors.New("smtp unavailable"))
	rec.failOn("undo-debit", errors.New("account closed"))

	coordinator := newTestCoordinator(t, store, rec)

	instance, err := coordinator.Start(context.Background(), "transfer", nil)
	require.Error(t, err, "a compensation failure must surface, never be swallowed")

	assert.Equal(t, StatusCompensationFailed, instance.Status)
	assert.Equal(t, "account closed", instance.LastError)

	failures, listErr := coordinator.ListFailedCompensations(context.Background(), 10)
	require.NoError(t, listErr)
	require.Len(t, failures, 1)
	assert.Equal(t, instance.ID, failures[0].SagaID)
	assert.Equal(t, 0, failures[0].StepIndex)
	assert.Equal(t, "debit", failures[0].StepName)
	assert.Equal(t, "account closed", failures[0].Reason)
}

func TestCoordinator_NilCompensationIsSkipped(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	rec.failOn("fail-step", errors.New("boom"))

	coordinator, err := NewCoordinator(store, newTestCache(t))
	require.NoError(t, err)
	require.NoError(t, coordinator.Register(&Definition{
		Name: "no-undo",
		Steps: []Step{
			{Name: "record", Forward: rec.action("record")},
			{Name: "fail-step", Forward: rec.action("fail-step")},
		},
	}))

	instance, err := coordinator.Start(context.Background(), "no-undo", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRolledBack, instance.Status)
	assert.Equal(t, StepCompensated, instance.Steps[0].Status,
		"a step without a compensation is recorded compensated during rollback")
	assert.Equal(t, []string{"record", "fail-step"}, rec.recorded())
}

func TestCoordinator_Resume_FinishesForwardPath(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	// Simulate a crash after step 0 completed and step 1 persisted
	// RUNNING but never finished.
	instance, err := NewInstance(def, []byte(`{"amount":10}`))
	require.NoError(t, err)
	require.NoError(t, instance.setStep(0, StepDone, ""))
	require.NoError(t, instance.setStep(1, StepRunning, ""))
	instance.CurrentStep = 1
	require.NoError(t, store.Create(context.Background(), instance))

	resumed, err := coordinator.Resume(context.Background(), instance.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, []string{"credit", "notify"}, rec.recorded(),
		"resume re-runs the in-flight step and continues; completed steps are not replayed")
}

func TestCoordinator_Resume_FinishesCompensation(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	// Simulate a crash mid-rollback: step 2 failed, step 1 was being
	// compensated when the worker died.
	instance, err := NewInstance(def, nil)
	require.NoError(t, err)
	require.NoError(t, instance.setStep(0, StepDone, ""))
	require.NoError(t, instance.setStep(1, StepCompensating, ""))
	require.NoError(t, instance.setStep(2, StepFailed, "smtp unavailable"))
	instance.CurrentStep = 2
	instance.Status = StatusCompensating
	instance.LastError = "smtp unavailable"
	require.NoError(t, store.Create(context.Background(), instance))

	resumed, err := coordinator.Resume(context.Background(), instance.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusRolledBack, resumed.Status)
	assert.Equal(t, []string{"undo-credit", "undo-debit"}, rec.recorded())
}

func TestCoordinator_Resume_TerminalInstance(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	instance, err := coordinator.Start(context.Background(), "transfer", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, instance.Status)

	resumed, err := coordinator.Resume(context.Background(), instance.ID)
	assert.ErrorIs(t, err, ErrInstanceTerminal)
	assert.Equal(t, StatusCompleted, resumed.Status)
}

func TestCoordinator_Resume_NotFound(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	coordinator := newTestCoordinator(t, store, rec)

	_, err := coordinator.Resume(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = coordinator.Resume(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestCoordinator_IdempotencyCacheSkipsReplayedSteps(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	cache := newTestCache(t)

	coordinator, err := NewCoordinator(store, cache)
	require.NoError(t, err)
	require.NoError(t, coordinator.Register(transferDefinition(rec)))

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	instance, err := NewInstance(def, nil)
	require.NoError(t, err)
	require.NoError(t, instance.setStep(0, StepRunning, ""))
	require.NoError(t, store.Create(context.Background(), instance))

	// The crashed worker already completed step 0's effect before dying.
	ctx := context.Background()

	decision, err := cache.Begin(ctx, StepIdempotencyKey(instance.ID, 0))
	require.NoError(t, err)
	require.Equal(t, idempotency.DecisionProceed, decision.Kind)
	require.NoError(t, cache.Complete(ctx, StepIdempotencyKey(instance.ID, 0), nil))

	resumed, err := coordinator.Resume(ctx, instance.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, []string{"credit", "notify"}, rec.recorded(),
		"the cached step must not re-execute its business effect")
}

func TestCoordinator_IdempotencyCacheReplaysCachedFailure(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	cache := newTestCache(t)

	coordinator, err := NewCoordinator(store, cache)
	require.NoError(t, err)
	require.NoError(t, coordinator.Register(transferDefinition(rec)))

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	instance, err := NewInstance(def, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), instance))

	ctx := context.Background()

	decision, err := cache.Begin(ctx, StepIdempotencyKey(instance.ID, 0))
	require.NoError(t, err)
	require.Equal(t, idempotency.DecisionProceed, decision.Kind)
	require.NoError(t, cache.Fail(ctx, StepIdempotencyKey(instance.ID, 0), "insufficient funds"))

	resumed, err := coordinator.Resume(ctx, instance.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusRolledBack, resumed.Status)
	assert.Equal(t, "insufficient funds", resumed.LastError)
	assert.NotContains(t, rec.recorded(), "debit", "the cached failure replays without re-executing")
}

func TestCoordinator_InFlightStepBacksOff(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()
	cache := newTestCache(t)

	coordinator, err := NewCoordinator(store, cache)
	require.NoError(t, err)
	require.NoError(t, coordinator.Register(transferDefinition(rec)))

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	instance, err := NewInstance(def, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), instance))

	ctx := context.Background()

	// Another worker holds step 0's key.
	decision, err := cache.Begin(ctx, StepIdempotencyKey(instance.ID, 0))
	require.NoError(t, err)
	require.Equal(t, idempotency.DecisionProceed, decision.Kind)

	_, err = coordinator.Resume(ctx, instance.ID)
	assert.ErrorIs(t, err, ErrStepInFlight)
	assert.Empty(t, rec.recorded())

	reloaded, err := store.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, reloaded.Status, "backing off must not fail the saga")
}

func TestCoordinator_ConcurrentResume_RunsEachStepOnce(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	rec := newActionRecorder()

	// Both workers share one cache, as two coordinators over the same
	// backing store would in production.
	coordinator := newTestCoordinator(t, store, rec)

	def, err := coordinator.definition("transfer")
	require.NoError(t, err)

	instance, err := NewInstance(def, []byte(`{"amount":10}`))
	require.NoError(t, err)
	require.NoError(t, instance.setStep(0, StepRunning, ""))
	require.NoError(t, store.Create(context.Background(), instance))

	// The runner takes an instance over while its original coordinator is
	// merely slow, so two workers drive the same instance at once. The
	// losing worker may back off with ErrStepInFlight or lose a terminal
	// persist race; only the effect counts matter.
	var wg sync.WaitGroup

	for w := 0; w < 2; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = coordinator.Resume(context.Background(), instance.ID)
		}()
	}

	wg.Wait()

	counts := map[string]int{}
	for _, label := range rec.recorded() {
		counts[label]++
	}

	for _, label := range []string{"debit", "credit", "notify"} {
		assert.Equal(t, 1, counts[label], "step %s must execute exactly once across workers", label)
	}

	assert.Zero(t, counts["undo-debit"])
	assert.Zero(t, counts["undo-credit"])

	reloaded, err := store.Get(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, reloaded.Status)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusRolledBack.Terminal())
	assert.True(t, StatusCompensationFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCompensating.Terminal())

	assert.True(t, StatusRunning.IsValid())
	assert.False(t, InstanceStatus("PAUSED").IsValid())
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	assert.Equal(t, fmt.Sprintf("%s:step:2", id), StepIdempotencyKey(id, 2))
	assert.Equal(t, fmt.Sprintf("%s:comp:0", id), CompensationIdempotencyKey(id, 0))
}

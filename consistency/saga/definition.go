// Package saga drives multi-step workflows with persisted per-step
// state and automatic reverse-order compensation.
//
// A Definition lists the forward steps; the Coordinator persists the
// instance's position before every transition so a crashed run resumes
// at the exact step it stopped. Actions must be internally idempotent:
// the coordinator hands each one a derived per-step idempotency key, and
// after a crash the in-flight step is simply re-run. A failed forward
// step triggers compensation of every completed step in strict reverse
// order; a failure during compensation is fatal to automated rollback
// and is surfaced on an operator queue instead of being retried forever.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrDefinitionNameRequired = errors.New("saga definition name is required")
	ErrStepsRequired          = errors.New("saga definition requires at least one step")
	ErrStepNameRequired       = errors.New("saga step name is required")
	ErrStepNameDuplicated     = errors.New("saga step name is duplicated")
	ErrForwardRequired        = errors.New("saga step forward action is required")
)

// ActionFunc is one forward or compensation action. Implementations are
// expected to be internally idempotent: after a coordinator crash the
// same call is replayed with the same sagaID and stepIndex.
type ActionFunc func(ctx context.Context, sagaID uuid.UUID, stepIndex int, input []byte) error

// Step is one unit of forward progress and its undo. A nil Compensation
// means the step has nothing to undo and is recorded compensated
// immediately during rollback.
type Step struct {
	Name         string
	Forward      ActionFunc
	Compensation ActionFunc
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks the definition is runnable.
func (def *Definition) Validate() error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return ErrDefinitionNameRequired
	}

	if len(def.Steps) == 0 {
		return ErrStepsRequired
	}

	seen := make(map[string]struct{}, len(def.Steps))

	for i, step := range def.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepNameRequired)
		}

		if _, dup := seen[name]; dup {
			return fmt.Errorf("step %d (%s): %w", i, name, ErrStepNameDuplicated)
		}

		seen[name] = struct{}{}

		if step.Forward == nil {
			return fmt.Errorf("step %d (%s): %w", i, name, ErrForwardRequired)
		}
	}

	return nil
}

// StepIdempotencyKey derives the idempotency key handed to a forward
// action, so replays of the step resolve to one effect.
func StepIdempotencyKey(sagaID uuid.UUID, stepIndex int) string {
	return fmt.Sprintf("%s:step:%d", sagaID, stepIndex)
}

// CompensationIdempotencyKey derives the idempotency key handed to a
// compensation action.
func CompensationIdempotencyKey(sagaID uuid.UUID, stepIndex int) string {
	return fmt.Sprintf("%s:comp:%d", sagaID, stepIndex)
}

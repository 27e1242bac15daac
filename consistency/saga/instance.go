package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInstanceNotFound    = errors.New("saga instance not found")
	ErrInstanceNotClaimed  = errors.New("saga instance not claimed")
	ErrInstanceTerminal    = errors.New("saga instance is in a terminal state")
	ErrUnknownDefinition   = errors.New("no definition registered for saga")
	ErrStepCountMismatch   = errors.New("instance step count does not match definition")
	ErrInstanceStateBroken = errors.New("saga instance state is inconsistent")
)

// StepStatus is one step's persisted lifecycle state.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepDone         StepStatus = "DONE"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
	StepFailed       StepStatus = "FAILED"
)

// StepState is the persisted record of one step.
type StepState struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InstanceStatus is the saga's overall state. COMPLETED, ROLLED_BACK and
// COMPENSATION_FAILED are terminal.
type InstanceStatus string

const (
	StatusRunning            InstanceStatus = "RUNNING"
	StatusCompensating       InstanceStatus = "COMPENSATING"
	StatusCompleted          InstanceStatus = "COMPLETED"
	StatusRolledBack         InstanceStatus = "ROLLED_BACK"
	StatusCompensationFailed InstanceStatus = "COMPENSATION_FAILED"
)

func (status InstanceStatus) Terminal() bool {
	switch status {
	case StatusCompleted, StatusRolledBack, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

func (status InstanceStatus) IsValid() bool {
	switch status {
	case StatusRunning, StatusCompensating, StatusCompleted, StatusRolledBack, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

// Instance is one persisted saga execution. Recovery is a pure function
// of this state: CurrentStep plus the per-step statuses identify the
// exact point to resume from.
type Instance struct {
	ID          uuid.UUID
	Name        string
	Input       []byte
	CurrentStep int
	Steps       []StepState
	Status      InstanceStatus
	LeaseUntil  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewInstance builds a fresh RUNNING instance for the definition.
func NewInstance(def *Definition, input []byte) (*Instance, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	steps := make([]StepState, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = StepState{Name: step.Name, Status: StepPending, UpdatedAt: now}
	}

	return &Instance{
		ID:        uuid.New(),
		Name:      def.Name,
		Input:     input,
		Steps:     steps,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// LeaseExpired reports whether another worker may take the instance over.
func (instance *Instance) LeaseExpired(now time.Time) bool {
	return instance != nil && (instance.LeaseUntil == nil || !instance.LeaseUntil.After(now))
}

// lastDoneStep returns the highest step index still holding a forward
// effect (DONE or mid-compensation), or -1 when nothing remains to undo.
func (instance *Instance) lastDoneStep() int {
	for i := len(instance.Steps) - 1; i >= 0; i-- {
		switch instance.Steps[i].Status {
		case StepDone, StepCompensating:
			return i
		}
	}

	return -1
}

func (instance *Instance) setStep(index int, status StepStatus, errMsg string) error {
	if index < 0 || index >= len(instance.Steps) {
		return fmt.Errorf("%w: step index %d out of range", ErrInstanceStateBroken, index)
	}

	instance.Steps[index].Status = status
	instance.Steps[index].Error = errMsg
	instance.Steps[index].UpdatedAt = time.Now().UTC()

	return nil
}

// FailedCompensation is one operator queue entry: a compensation that
// could not be applied automatically.
type FailedCompensation struct {
	ID        uuid.UUID
	SagaID    uuid.UUID
	StepIndex int
	StepName  string
	Reason    string
	CreatedAt time.Time
}

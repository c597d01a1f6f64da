package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned for submissions while the pool is degraded
	// or has no live slots. Callers are expected to fall back to non-pooled
	// execution.
	ErrUnavailable = errors.New("pool unavailable")

	// ErrShutdown is returned for submissions after Shutdown and for every
	// task still queued when Shutdown ran
	ErrShutdown = errors.New("pool shut down")

	// ErrTaskFailed matches every *TaskError
	ErrTaskFailed = errors.New("task failed")

	// ErrUnitCrashed is wrapped by the *TaskError of a task whose unit exited
	// while running it
	ErrUnitCrashed = errors.New("unit exited while running task")
)

// DefaultFailureReason is used when a unit reports failure without a message
const DefaultFailureReason = "unit reported failure without an error message"

// ProvisioningError records why the pool could not provision units
type ProvisioningError struct {
	Resource string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("cannot provision units from %q: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TaskError is the failure of a single task. Only that task's handle sees it.
type TaskError struct {
	TaskID uint64
	Slot   string
	Reason string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("task %d: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("task %d on %s: %s", e.TaskID, e.Slot, e.Reason)
}

// Is makes errors.Is(err, ErrTaskFailed) hold for every TaskError
func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

func (e *TaskError) Unwrap() error { return e.Err }

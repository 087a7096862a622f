package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task no longer exists.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidRange indicates a range shift whose start is after its end.
	ErrInvalidRange = errors.New("invalid range: start after end")
	// ErrInvalidDelta indicates a range shift by something other than one step.
	ErrInvalidDelta = errors.New("invalid range shift delta")
	// ErrInvalidPosition is returned for a target index outside the destination list.
	ErrInvalidPosition = errors.New("invalid target position")
	// ErrInvalidTask is returned for a task missing required fields.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidScope is returned for a scope key the active grouping cannot place a task into.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrDuplicateOrder indicates that two tasks of a scope share a priority key.
	ErrDuplicateOrder = errors.New("duplicate priority order in scope")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrBatchTooLarge is returned when a transaction exceeds the store's batch limit.
	ErrBatchTooLarge = errors.New("transaction exceeds batch limit")
	// ErrPersistence marks failures of the backing store.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidTransition is returned for drag lifecycle calls made in the wrong state.
	ErrInvalidTransition = errors.New("invalid drag transition")
)

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrPersistence as well as the wrapped cause.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a PersistenceError unless it is nil or already one.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ErrorCode returns a short machine readable kind for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, ErrInvalidDelta):
		return "invalid_delta"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrInvalidTask):
		return "invalid_task"
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(err, ErrBatchTooLarge):
		return "batch_too_large"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

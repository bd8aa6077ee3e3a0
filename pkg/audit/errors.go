package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingActor matches *MissingActorError.
	ErrMissingActor = errors.New("audit: missing actor")
	// ErrPersistence matches *PersistenceError.
	ErrPersistence = errors.New("audit: persistence failure")
	// ErrHashComputation matches *HashComputationError.
	ErrHashComputation = errors.New("audit: hash computation unavailable")
)

// MissingActorError means the caller supplied no actor or one without a tenant.
type MissingActorError struct {
	Operation OperationType
	Reason    string
}

func (e *MissingActorError) Error() string {
	return fmt.Sprintf("audit: cannot record %s: %s", e.Operation, e.Reason)
}

func (e *MissingActorError) Is(target error) bool {
	return target == ErrMissingActor
}

// PersistenceError wraps a ledger failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit: %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// HashComputationError means the hash primitive is not linked into the binary.
type HashComputationError struct {
	Algorithm string
}

func (e *HashComputationError) Error() string {
	return fmt.Sprintf("audit: %s is not available", e.Algorithm)
}

func (e *HashComputationError) Is(target error) bool {
	return target == ErrHashComputation
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

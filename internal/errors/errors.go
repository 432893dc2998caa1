// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Sentinels callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrTransientProvider = errors.New("transient provider error")
	ErrPermanentProvider = errors.New("permanent provider error")
	ErrPersistence       = errors.New("persistence error")
)

type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewCampaignNotFound is the common case of NewNotFound.
func NewCampaignNotFound(id int64) error {
	return NewNotFound("campaign", id)
}

type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string { return "invalid state: " + e.Reason }

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

func NewInvalidState(format string, args ...any) error {
	return &InvalidStateError{Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence returns nil when err is nil so it can wrap a return value directly.
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

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

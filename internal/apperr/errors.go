// Package apperr defines the error taxonomy shared by the storage, service and
// HTTP layers.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports caller input that failed a precondition. Nothing is
// written to storage when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validation creates a ValidationError.
func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StorageWriteError wraps an I/O failure on a blob or database write.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// StorageWrite creates a StorageWriteError for the given operation.
func StorageWrite(op string, err error) error {
	return &StorageWriteError{Op: op, Err: err}
}

// NotFoundError reports a lookup or delete that targeted a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound creates a NotFoundError.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// CleanupError reports a blob that could not be removed after its record was
// deleted. It is logged, never returned to the HTTP caller.
type CleanupError struct {
	Key string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of blob %q failed: %v", e.Key, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

package service

import "fmt"

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s with ID %d not found", e.Resource, e.ID)
}

// ValidationError represents a validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ConflictError represents an invalid state transition
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict with %s: %s", e.Resource, e.Message)
}

// BusyError is returned when the concurrent task ceiling is reached.
// Callers may retry later.
type BusyError struct {
	Running int
	Limit   int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("system busy: %d of %d task slots in use, try again later", e.Running, e.Limit)
}

// FatalRunError terminates a run as FAILED
type FatalRunError struct {
	Op  string
	Err error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalRunError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	return &FatalRunError{Op: op, Err: err}
}

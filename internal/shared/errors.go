package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState occurs when an action violates a document status workflow.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("invalid input")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate entry")
)

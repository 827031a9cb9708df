package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidSessionState  = errors.New("invalid session state")
	ErrAlreadyMatched       = errors.New("entry already matched")
	ErrNotMatched           = errors.New("entry not matched")
	ErrCrossSessionMismatch = errors.New("entries belong to different sessions")
	ErrBulkLimitExceeded    = errors.New("bulk match exceeds limit")
	ErrEntryValidation      = errors.New("entry validation failed")
	ErrImportRow            = errors.New("import row rejected")
)

// EntryValidationError describes why an entry was rejected on add or update.
type EntryValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *EntryValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s: %s", e.Field, e.Reason)
}

func (e *EntryValidationError) Is(target error) bool {
	return target == ErrEntryValidation
}

// ImportRowError is a per-row import failure. It never aborts the batch.
type ImportRowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (e *ImportRowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

func (e *ImportRowError) Is(target error) bool {
	return target == ErrImportRow
}

// StateError wraps ErrInvalidSessionState with the offending status.
func StateError(op string, status SessionStatus) error {
	return fmt.Errorf("%w: cannot %s a session in status %q", ErrInvalidSessionState, op, status)
}

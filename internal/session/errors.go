package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeLockTimeout indicates the store lock was not acquired in time.
	// Callers may retry.
	ErrCodeLockTimeout ErrorCode = "LOCK_TIMEOUT"

	// ErrCodeUnknownID indicates a referenced entry id is absent from the store.
	ErrCodeUnknownID ErrorCode = "UNKNOWN_ID"

	// ErrCodeCycleDetected indicates a parent chain revisits an entry.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"

	// ErrCodeDuplicateID indicates an id occurs more than once where the
	// operation requires unique ids.
	ErrCodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// ErrCodeInvalidMergeState indicates the requested merge cannot be applied
	// to the given heads (for example fast-forward on diverged branches).
	ErrCodeInvalidMergeState ErrorCode = "INVALID_MERGE_STATE"

	// ErrCodeImportValidationFailed indicates the import source is corrupt.
	ErrCodeImportValidationFailed ErrorCode = "IMPORT_VALIDATION_FAILED"

	// ErrCodeIO indicates a filesystem or database failure.
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeSerialization indicates a record could not be encoded or decoded.
	ErrCodeSerialization ErrorCode = "SERIALIZATION"
)

// Error is the typed failure returned by store operations.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the entry id involved, when there is one.
	ID uint64

	// Path is the file or database involved, when there is one.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode of err, or "" when err is not a store error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsLockTimeout reports whether err is a lock timeout.
func IsLockTimeout(err error) bool {
	return CodeOf(err) == ErrCodeLockTimeout
}

// IsUnknownID reports whether err references a missing entry id.
func IsUnknownID(err error) bool {
	return CodeOf(err) == ErrCodeUnknownID
}

// IsCycle reports whether err is a cycle detection error.
func IsCycle(err error) bool {
	return CodeOf(err) == ErrCodeCycleDetected
}

// IsInvalidMergeState reports whether err rejects a merge request.
func IsInvalidMergeState(err error) bool {
	return CodeOf(err) == ErrCodeInvalidMergeState
}

// IsImportValidation reports whether err rejects a corrupt import source.
func IsImportValidation(err error) bool {
	return CodeOf(err) == ErrCodeImportValidationFailed
}

func unknownIDError(id uint64, what string) *Error {
	return &Error{
		Code:    ErrCodeUnknownID,
		Message: fmt.Sprintf("unknown %s id %d", what, id),
		ID:      id,
	}
}

func cycleError(id uint64) *Error {
	return &Error{
		Code:    ErrCodeCycleDetected,
		Message: fmt.Sprintf("detected a cycle while resolving session lineage at id %d", id),
		ID:      id,
	}
}

func ioError(path, message string, err error) *Error {
	return &Error{Code: ErrCodeIO, Message: message, Path: path, Err: err}
}

func serializationError(path, message string, err error) *Error {
	return &Error{Code: ErrCodeSerialization, Message: message, Path: path, Err: err}
}

package mission

import (
	"errors"
	"fmt"
)

// MissionErrorCode represents specific mission error types.
type MissionErrorCode string

const (
	// ErrMissionValidation indicates bad input; never retryable.
	ErrMissionValidation MissionErrorCode = "validation_error"

	// ErrStorageContention indicates the store reported a lock/busy
	// condition after bounded retries; callers may retry.
	ErrStorageContention MissionErrorCode = "storage_contention"

	// ErrStorage indicates a non-contention persistence failure.
	ErrStorage MissionErrorCode = "storage_error"

	// ErrMissionNotFound indicates the mission was not found.
	ErrMissionNotFound MissionErrorCode = "not_found"

	// ErrMissionTerminal indicates an operation on an already-terminal mission.
	ErrMissionTerminal MissionErrorCode = "mission_terminal"

	// ErrDispatchFailed indicates mission creation failed.
	ErrDispatchFailed MissionErrorCode = "dispatch_failed"

	// ErrCancelFailed indicates a cancellation request failed.
	ErrCancelFailed MissionErrorCode = "cancel_failed"

	// ErrLookupFailed indicates a read operation failed.
	ErrLookupFailed MissionErrorCode = "lookup_failed"

	// ErrArtifactLocationUnavailable indicates the mission has no result_ref.
	ErrArtifactLocationUnavailable MissionErrorCode = "artifact_location_unavailable"

	// ErrArtifactWorkspaceMissing indicates result_ref no longer resolves
	// against the filesystem.
	ErrArtifactWorkspaceMissing MissionErrorCode = "artifact_workspace_missing"
)

// MissionError represents a mission-specific error with code and context.
// It implements the error interface and supports error wrapping with errors.Is/As.
// Retryable marks transient failures that may succeed on a caller retry.
type MissionError struct {
	// Code identifies the specific error type.
	Code MissionErrorCode

	// Message is a human-readable error message.
	Message string

	// Retryable hints whether the caller may retry the operation.
	Retryable bool

	// Cause is the underlying error that caused this error (optional).
	Cause error

	// Context provides additional contextual information about the error.
	Context map[string]any
}

// Error implements the error interface.
func (e *MissionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain traversal.
func (e *MissionError) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface for error comparison.
// Two MissionErrors are equal if they have the same error code.
func (e *MissionError) Is(target error) bool {
	var missionErr *MissionError
	if errors.As(target, &missionErr) {
		return e.Code == missionErr.Code
	}
	return false
}

// WithContext adds contextual information to the error.
func (e *MissionError) WithContext(key string, value any) *MissionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewMissionError creates a new non-retryable MissionError.
func NewMissionError(code MissionErrorCode, message string) *MissionError {
	return &MissionError{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapMissionError wraps an existing error with mission error context.
func WrapMissionError(code MissionErrorCode, message string, cause error) *MissionError {
	return &MissionError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *MissionError {
	return NewMissionError(ErrMissionValidation, message)
}

// NewNotFoundError creates a mission not found error.
func NewNotFoundError(missionID string) *MissionError {
	return NewMissionError(ErrMissionNotFound, fmt.Sprintf("mission not found: %s", missionID)).
		WithContext("mission_id", missionID)
}

// NewContentionError creates a retryable storage contention error.
func NewContentionError(operation string, cause error) *MissionError {
	err := WrapMissionError(
		ErrStorageContention,
		fmt.Sprintf("storage contention during %s; retries exhausted", operation),
		cause,
	).WithContext("operation", operation)
	err.Retryable = true
	return err
}

// NewStorageError creates a non-retryable storage error.
func NewStorageError(operation string, cause error) *MissionError {
	return WrapMissionError(
		ErrStorage,
		fmt.Sprintf("storage failure during %s", operation),
		cause,
	).WithContext("operation", operation)
}

// NewTerminalError signals an operation against an already-terminal mission.
func NewTerminalError(missionID string, status MissionStatus) *MissionError {
	return NewMissionError(
		ErrMissionTerminal,
		fmt.Sprintf("mission %s already terminal (%s)", missionID, status),
	).WithContext("mission_id", missionID).
		WithContext("status", status)
}

// IsNotFoundError checks if an error is a mission not found error.
func IsNotFoundError(err error) bool {
	var missionErr *MissionError
	if errors.As(err, &missionErr) {
		return missionErr.Code == ErrMissionNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var missionErr *MissionError
	if errors.As(err, &missionErr) {
		return missionErr.Code == ErrMissionValidation
	}
	return false
}

// IsContentionError checks if an error is a retryable storage contention error.
func IsContentionError(err error) bool {
	var missionErr *MissionError
	if errors.As(err, &missionErr) {
		return missionErr.Code == ErrStorageContention
	}
	return false
}

// IsRetryable reports whether the error carries a retryable hint.
func IsRetryable(err error) bool {
	var missionErr *MissionError
	if errors.As(err, &missionErr) {
		return missionErr.Retryable
	}
	return false
}

// CodeOf extracts the mission error code, or an empty code for foreign errors.
func CodeOf(err error) MissionErrorCode {
	var missionErr *MissionError
	if errors.As(err, &missionErr) {
		return missionErr.Code
	}
	return ""
}

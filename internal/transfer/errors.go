package transfer

import (
	"fmt"
	"time"
)

// InvalidRequestError represents a download request that cannot be resolved,
// such as mutually exclusive selectors given together.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// NetworkError represents transport failures and non-2xx responses from the portal.
// It is retryable.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_files", "open")
	URL        string
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IntegrityError is returned when the downloaded bytes do not match the expected digest.
// It is never retried.
type IntegrityError struct {
	File     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.File, e.Expected, e.Actual)
}

// PathConflictError is returned for a file whose destination is already taken
// by another file of the same batch.
type PathConflictError struct {
	File string
	Path string
	With string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("%s: destination %s is already used by %s", e.File, e.Path, e.With)
}

// TimeoutError is returned when a task does not reach a terminal state in time.
type TimeoutError struct {
	Operation string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Waited)
}

// TaskFailedError carries the server message of a task that ended in failure.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}

	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// FileError is the terminal failure of one file within a batch.
type FileError struct {
	File     string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.File, e.Kind, e.Attempts, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

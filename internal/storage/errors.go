package storage

import (
	"errors"
	"fmt"
)

// ErrClaimed is returned when another worker or process holds the file's claim.
var ErrClaimed = errors.New("file is claimed by another download")

// PersistenceError wraps a failure of the underlying store.
type PersistenceError struct {
	Operation string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a selector or scope matches nothing.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("no %s found", e.Kind)
	}

	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

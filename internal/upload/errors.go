package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted marks a transfer stopped by pause or cancel. It is never reported as a failure.
	ErrAborted = errors.New("upload aborted")

	// ErrNotFound is returned by Reattach when no record exists for the id.
	ErrNotFound = errors.New("upload not found")

	// ErrNotPending is returned by Reattach when the upload is neither paused nor failed.
	ErrNotPending = errors.New("upload is not pending")

	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("upload service closed")
)

// ValidationError rejects a file before any network activity or persistence.
// It is never retried.
type ValidationError struct {
	Field  string // "content_type", "size", "content", "file"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransferError is reported once, after the retry policy is exhausted.
type TransferError struct {
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is also returned for chats that belong to another user.
	ErrNotFound      = errors.New("not found")
	ErrUploadPending = errors.New("document upload pending")
)

// ValidationError rejects input before any side effect happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UploadPendingError is returned by ingestion when the chat was created but
// the raw file did not reach blob storage. Ingesting the same file again
// retries only the upload.
type UploadPendingError struct {
	ChatID string
	Err    error
}

func (e *UploadPendingError) Error() string {
	return fmt.Sprintf("chat %s: document upload pending: %v", e.ChatID, e.Err)
}

func (e *UploadPendingError) Unwrap() error { return e.Err }

func (e *UploadPendingError) Is(target error) bool { return target == ErrUploadPending }

package models

import (
	"errors"
	"fmt"
)

// AuthenticationError means the bearer credential presented at connect was
// missing or invalid. Connections failing auth are refused, never silently
// accepted.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// PermissionError means the acting user is not a member of the chat they
// tried to act on. The operation is aborted with no partial state change.
type PermissionError struct {
	UserID string
	ChatID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s is not a member of chat %s", e.UserID, e.ChatID)
}

// NotFoundError means a chat or message the operation depends on does not
// exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransientStoreError wraps an unreachable key-value or document store.
// Presence and ledger reads degrade to "treat as offline" instead of
// propagating this; writes are retried by the next operation.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

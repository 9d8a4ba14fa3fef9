package model

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrConflict is returned when a compare-and-set on a resource status fails.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized is returned when a caller fails authentication.
	ErrUnauthorized = errors.New("unauthorized")
)

// ApprovalDeniedPrefix is the sentinel prefix of error messages that must be
// classified as denied instead of failed.
const ApprovalDeniedPrefix = "APPROVAL_DENIED:"

// IsApprovalDenied returns true if the message starts with the approval denial sentinel.
func IsApprovalDenied(msg string) bool {
	return strings.HasPrefix(strings.TrimSpace(msg), ApprovalDeniedPrefix)
}

// ApprovalDeniedMessage builds a sentinel prefixed message.
func ApprovalDeniedMessage(reason string) string {
	if reason == "" {
		reason = "tool call denied"
	}
	return ApprovalDeniedPrefix + " " + reason
}

/**
 * @description
 * This file defines the error taxonomy for the transfer-service. Every error that
 * can reach a caller carries a stable machine-readable kind alongside a human
 * message, so API clients can branch on the kind while operators read the message.
 *
 * @dependencies
 * - errors, fmt: Standard Go libraries.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of machine-readable error categories surfaced to callers.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindInactiveCustomer   ErrorKind = "inactive_customer"
	KindLimitExceeded      ErrorKind = "limit_exceeded"
	KindIdentityMismatch   ErrorKind = "identity_mismatch"
	KindNotPending         ErrorKind = "not_pending"
	KindApprovalPending    ErrorKind = "approval_pending"
	KindHighRisk           ErrorKind = "high_risk"
	KindConflict           ErrorKind = "conflict"
	KindLockUnavailable    ErrorKind = "lock_unavailable"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInternal           ErrorKind = "internal"
)

// Error is the domain error type. It wraps an optional cause so errors.Is/As
// still reach sentinel errors from lower layers.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a domain error with the given kind and message.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a domain error with a formatted message.
func Ef(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a domain error around a lower-level cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the error kind, defaulting to KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// MessageOf extracts the human message, or a generic one for untyped errors.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "an unexpected error occurred"
}

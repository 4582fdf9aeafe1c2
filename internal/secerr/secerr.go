// Package secerr defines the typed errors shared by the security components.
//
// Every component returns *Error values with a Kind local to its responsibility.
// The orchestrator adds pipeline-stage context and decides what reaches callers.
package secerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a security error.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindAccessDenied       Kind = "AccessDeniedError"
	KindRateLimitExceeded  Kind = "RateLimitExceededError"
	KindIntegrityViolation Kind = "IntegrityViolationError"
	KindBackupUnavailable  Kind = "BackupUnavailableError"
	KindRecoveryFailed     Kind = "RecoveryFailedError"
	KindUnknown            Kind = "UnknownSecurityError"
	KindNotFound           Kind = "NotFoundError"
	KindQuarantined        Kind = "QuarantinedError"
	KindTimeout            Kind = "TimeoutError"
)

// Reason codes attached to AccessDeniedError.
const (
	ReasonExpired            = "expired"
	ReasonWrongOwner         = "wrong-owner"
	ReasonRoleForbidden      = "role-forbidden"
	ReasonRevoked            = "revoked"
	ReasonInvalidCredentials = "invalid-credentials"
	ReasonLocked             = "locked"
)

// Error is the error type returned by all security components.
type Error struct {
	Kind       Kind
	Reason     string
	Message    string
	Stage      string
	RetryAfter time.Duration
	Ref        string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Ref != "" {
		msg += " [ref " + e.Ref + "]"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, ErrAccessDenied) works for any reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded}
	ErrIntegrityViolation = &Error{Kind: KindIntegrityViolation}
	ErrBackupUnavailable  = &Error{Kind: KindBackupUnavailable}
	ErrRecoveryFailed     = &Error{Kind: KindRecoveryFailed}
	ErrUnknown            = &Error{Kind: KindUnknown}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrQuarantined        = &Error{Kind: KindQuarantined}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

// Validation returns a ValidationError.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// AccessDenied returns an AccessDeniedError with the given reason code.
func AccessDenied(reason string) *Error {
	return &Error{Kind: KindAccessDenied, Reason: reason, Message: "access denied"}
}

// RateLimited returns a RateLimitExceededError carrying the retry-after duration.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// IntegrityViolation returns an IntegrityViolationError for a record.
func IntegrityViolation(recordID string, cause error) *Error {
	return &Error{Kind: KindIntegrityViolation, Message: "record " + recordID + " failed integrity check", Err: cause}
}

// BackupUnavailable returns a BackupUnavailableError.
func BackupUnavailable(recordID string) *Error {
	return &Error{Kind: KindBackupUnavailable, Message: "no verified backup for record " + recordID}
}

// RecoveryFailed returns a RecoveryFailedError wrapping the cause.
func RecoveryFailed(recordID string, cause error) *Error {
	return &Error{Kind: KindRecoveryFailed, Message: "recovery of record " + recordID + " failed", Err: cause}
}

// NotFound returns a NotFoundError.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// Quarantined returns a QuarantinedError for a record.
func Quarantined(recordID string) *Error {
	return &Error{Kind: KindQuarantined, Message: "record " + recordID + " is quarantined"}
}

// Timeout returns a retryable TimeoutError.
func Timeout(op string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: op + " timed out", Retryable: true, Err: cause}
}

// Unknown returns an opaque UnknownSecurityError carrying only a reference id.
func Unknown(ref string) *Error {
	return &Error{Kind: KindUnknown, Message: "internal security error", Ref: ref}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason code of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// WithStage returns a copy of err annotated with a pipeline stage.
// Errors that are not *Error are wrapped as UnknownSecurityError.
func WithStage(err error, stage string) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindUnknown, Stage: stage, Message: "unexpected error", Err: err}
	}
	cp := *e
	cp.Stage = stage
	return &cp
}

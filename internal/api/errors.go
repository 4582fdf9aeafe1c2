package api

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Error represents an API error response.
type Error struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Reason     string        `json:"reason,omitempty"`
	Ref        string        `json:"ref,omitempty"`
	Status     int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeIntegrityViolation = "INTEGRITY_VIOLATION"
	ErrCodeQuarantined        = "QUARANTINED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeBackupUnavailable  = "BACKUP_UNAVAILABLE"
)

// NewBadRequest creates a bad request error with custom message.
func NewBadRequest(message string) *Error {
	return &Error{
		Code:    ErrCodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// NewValidationError creates a validation error with custom message.
func NewValidationError(message string) *Error {
	return &Error{
		Code:    ErrCodeValidationFailed,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// FromError maps a security error onto an HTTP error. Errors outside the
// taxonomy are logged under a fresh reference id and reported as opaque 500s.
func FromError(err error) *Error {
	var serr *secerr.Error
	if !errors.As(err, &serr) {
		ref := uuid.NewString()
		log.Printf("api: [%s] unclassified error: %v", ref, err)
		return &Error{Code: ErrCodeInternalError, Message: "internal error", Ref: ref, Status: http.StatusInternalServerError}
	}

	switch serr.Kind {
	case secerr.KindValidation:
		return NewValidationError(serr.Message)
	case secerr.KindAccessDenied:
		switch serr.Reason {
		case secerr.ReasonExpired, secerr.ReasonRevoked, secerr.ReasonInvalidCredentials:
			return &Error{Code: ErrCodeUnauthorized, Message: "authentication required", Reason: serr.Reason, Status: http.StatusUnauthorized}
		case secerr.ReasonLocked:
			return &Error{Code: ErrCodeAccountLocked, Message: "account temporarily locked", Reason: serr.Reason,
				Status: http.StatusTooManyRequests, RetryAfter: serr.RetryAfter}
		}
		return &Error{Code: ErrCodeForbidden, Message: "access denied", Reason: serr.Reason, Status: http.StatusForbidden}
	case secerr.KindRateLimitExceeded:
		return &Error{Code: ErrCodeRateLimited, Message: "too many requests", Status: http.StatusTooManyRequests, RetryAfter: serr.RetryAfter}
	case secerr.KindIntegrityViolation:
		return &Error{Code: ErrCodeIntegrityViolation, Message: "record failed integrity verification", Status: http.StatusConflict}
	case secerr.KindQuarantined:
		return &Error{Code: ErrCodeQuarantined, Message: "record is quarantined", Status: http.StatusLocked}
	case secerr.KindTimeout:
		return &Error{Code: ErrCodeTimeout, Message: "operation timed out", Status: http.StatusServiceUnavailable}
	case secerr.KindBackupUnavailable:
		return &Error{Code: ErrCodeBackupUnavailable, Message: "no backup available", Status: http.StatusServiceUnavailable}
	case secerr.KindNotFound:
		return &Error{Code: ErrCodeNotFound, Message: "resource not found", Status: http.StatusNotFound}
	}

	ref := serr.Ref
	if ref == "" {
		ref = uuid.NewString()
		log.Printf("api: [%s] %v", ref, err)
	}
	return &Error{Code: ErrCodeInternalError, Message: "internal error", Ref: ref, Status: http.StatusInternalServerError}
}

// WriteError maps err and writes it, with Retry-After when the caller must wait.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = FromError(err)
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(apiErr.RetryAfter.Seconds()))))
	}
	JSONError(w, apiErr)
}

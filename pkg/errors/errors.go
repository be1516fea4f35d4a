package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so cloned and wrapped
// copies of a predefined error still match it with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is not activated")
	ErrLockedAccount      = New("ACCOUNT_LOCKED", http.StatusForbidden, "account is locked")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Token lifecycle errors.
var (
	ErrMalformedToken          = New("MALFORMED_TOKEN", http.StatusUnauthorized, "token is malformed")
	ErrInvalidSignature        = New("INVALID_SIGNATURE", http.StatusUnauthorized, "token signature is invalid")
	ErrInvalidToken            = New("INVALID_TOKEN", http.StatusUnauthorized, "token is invalid, expired or revoked")
	ErrTokenNotFound           = New("TOKEN_NOT_FOUND", http.StatusNotFound, "token not found")
	ErrTokenAlreadyExists      = New("TOKEN_ALREADY_EXISTS", http.StatusConflict, "an active token already exists")
	ErrUserNotFound            = New("USER_NOT_FOUND", http.StatusNotFound, "user not found")
	ErrEmailTaken              = New("EMAIL_TAKEN", http.StatusConflict, "email is already registered")
	ErrAccountAlreadyActivated = New("ACCOUNT_ALREADY_ACTIVATED", http.StatusConflict, "account is already activated")
	ErrInvalidPassword         = New("INVALID_PASSWORD", http.StatusBadRequest, "new password must differ from the current one")
	ErrNotificationFailed      = New("NOTIFICATION_FAILED", http.StatusBadGateway, "failed to deliver notification")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

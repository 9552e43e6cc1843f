package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable identifier clients branch on.
type ErrorCode string

const (
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Exchange lifecycle
	ErrCodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	ErrCodeAlreadyMatched ErrorCode = "ALREADY_MATCHED"
	ErrCodeNotMatched     ErrorCode = "NOT_MATCHED"

	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStore    ErrorCode = "STORE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError travels from services to the HTTP layer and, decoded from the
// response body, back into the device client.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Temporary reports whether the same request may succeed later unchanged.
func (e *AppError) Temporary() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeExternal, ErrCodeInternal, ErrCodeRateLimitExceeded:
		return true
	}
	return false
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Exchange session has expired")
}

func AlreadyMatched() *AppError {
	return New(ErrCodeAlreadyMatched, "Session is already matched")
}

func NotMatched() *AppError {
	return New(ErrCodeNotMatched, "Session has no match yet")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Store(cause error) *AppError {
	return Wrap(ErrCodeStore, "Session store error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns ErrCodeInternal for errors that carry no code.
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// Retryable reports whether a failed call is worth repeating: transport
// failures without a code, and temporary server-side errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := AsAppError(err)
	return !ok || appErr.Temporary()
}

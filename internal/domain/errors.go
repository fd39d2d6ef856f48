package domain

import "fmt"

// ErrorCode is the stable, client-visible error kind.
type ErrorCode string

const (
	CodeDuplicateEmail      ErrorCode = "DUPLICATE_EMAIL"
	CodeInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	CodeTooManyRequests     ErrorCode = "TOO_MANY_REQUESTS"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	CodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Error is an auth failure of a known kind. Two errors match under errors.Is
// when their codes are equal, so callers can compare against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an Error with a caller-specific message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrDuplicateEmail     = NewError(CodeDuplicateEmail, "Email is already registered.")
	ErrInvalidCredentials = NewError(CodeInvalidCredentials, "Wrong email or password.")
	ErrInvalidToken       = NewError(CodeInvalidToken, "Token is invalid.")
	ErrTokenExpired       = NewError(CodeTokenExpired, "Token has expired.")
	ErrTooManyRequests    = NewError(CodeTooManyRequests, "Too many requests. Please try again later.")
	ErrForbidden          = NewError(CodeForbidden, "Access denied.")
	ErrValidation         = NewError(CodeValidationFailed, "Request validation failed.")
	ErrUnauthorized       = NewError(CodeUnauthorized, "Authentication required.")
	ErrUserNotFound       = NewError(CodeUserNotFound, "User not found.")
)

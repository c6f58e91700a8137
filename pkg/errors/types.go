package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Whitelist / authentication errors
	ErrCodeAuthDenied        ErrorCode = "AUTH_DENIED"
	ErrCodeWhitelistRead     ErrorCode = "WHITELIST_READ"
	ErrCodeWhitelistConflict ErrorCode = "WHITELIST_CONFLICT"

	// History errors
	ErrCodeHistoryRead    ErrorCode = "HISTORY_READ"
	ErrCodeHistoryWrite   ErrorCode = "HISTORY_WRITE"
	ErrCodeHistoryCorrupt ErrorCode = "HISTORY_CORRUPT"

	// Completion provider errors
	ErrCodeProviderAPI       ErrorCode = "PROVIDER_API_ERROR"
	ErrCodeProviderTimeout   ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderRateLimit ErrorCode = "PROVIDER_RATE_LIMIT"
	ErrCodeProviderEmpty     ErrorCode = "PROVIDER_EMPTY_RESPONSE"

	// Frontend errors
	ErrCodeFrontendConnect ErrorCode = "FRONTEND_CONNECT"
	ErrCodeFrontendSend    ErrorCode = "FRONTEND_SEND"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured Fylgja error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with Fylgja error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	fErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return fErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	fErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return fErr.Code
}

// IsRetryable checks if an error is retryable.
// Errors outside the structured taxonomy are treated as transient network
// failures and are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	fErr, ok := err.(*Error)
	if !ok {
		return true
	}

	return fErr.Retryable
}

package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidScope   ErrorCode = "INVALID_SCOPE"
	ErrInvalidEnergy  ErrorCode = "INVALID_ENERGY"
	ErrInvalidLink    ErrorCode = "INVALID_LINK"
	ErrEmptyContent   ErrorCode = "EMPTY_CONTENT"
)

// Not-found error codes
const (
	ErrNodeNotFound    ErrorCode = "NODE_NOT_FOUND"
	ErrFactNotFound    ErrorCode = "FACT_NOT_FOUND"
	ErrTripleNotFound  ErrorCode = "TRIPLE_NOT_FOUND"
	ErrPendingNotFound ErrorCode = "PENDING_NOT_FOUND"
)

// Conflict error codes
const (
	ErrDuplicateKey    ErrorCode = "DUPLICATE_KEY"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrPendingExpired  ErrorCode = "PENDING_EXPIRED"
)

// Dependency error codes
const (
	ErrEmbeddingFailed    ErrorCode = "EMBEDDING_FAILED"
	ErrLLMFailed          ErrorCode = "LLM_FAILED"
	ErrStorageFailed      ErrorCode = "STORAGE_FAILED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Internal error codes
const (
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrTokenizerError ErrorCode = "TOKENIZER_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether the error is one of the not-found codes.
func IsNotFound(err error) bool {
	switch GetErrorCode(err) {
	case ErrNodeNotFound, ErrFactNotFound, ErrTripleNotFound, ErrPendingNotFound:
		return true
	}
	return false
}

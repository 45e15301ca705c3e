package utils

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorKind classifies failures for the loop retry policy
type ErrorKind string

const (
	KindFatal              ErrorKind = "fatal"
	KindThrottled          ErrorKind = "throttled"
	KindPartialFailure     ErrorKind = "partial_failure"
	KindPersistenceFailure ErrorKind = "persistence_failure"
	KindRetryable          ErrorKind = "retryable"
)

// AppError represents an application error with context
type AppError struct {
	Code    string    `json:"code"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	File    string    `json:"file,omitempty"`
	Line    int       `json:"line,omitempty"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(code, message string, details ...string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Kind:    KindFatal,
		Message: message,
		File:    file,
		Line:    line,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// WrapError wraps cause into an application error of the given kind
func WrapError(kind ErrorKind, code, message string, cause error) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
		File:    file,
		Line:    line,
		Err:     cause,
	}
}

// WithKind sets the error kind
func (e *AppError) WithKind(kind ErrorKind) *AppError {
	e.Kind = kind
	return e
}

// KindOf returns the kind of the first AppError in err's chain.
// Unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindFatal
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Common error codes
const (
	ErrCodeConnection    = "CONNECTION_ERROR"
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeBlockchain    = "BLOCKCHAIN_ERROR"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeProcessing    = "PROCESSING_ERROR"
	ErrCodeProvider      = "PROVIDER_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

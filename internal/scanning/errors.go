package scanning

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Code is a stable, machine-readable failure kind
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeParse        Code = "OCR_PARSE_ERROR"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeAPI          Code = "API_ERROR"
	CodeOCRFailed    Code = "OCR_FAILED"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
)

var codeMessages = map[Code]string{
	CodeValidation:   "The request is invalid.",
	CodeUnauthorized: "Authentication is required.",
	CodeParse:        "Could not read the receipt data from the scan result.",
	CodeRateLimited:  "The scanning service is busy. Please wait a moment and try again.",
	CodeAPI:          "An error occurred while scanning. Please try again.",
	CodeOCRFailed:    "The receipt could not be read. Please retake the photo and try again.",
	CodeInternal:     "An internal server error occurred.",
	CodeNotFound:     "The receipt was not found.",
}

// Message returns the default user-facing message for the code
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return codeMessages[CodeInternal]
}

// Error is a classified failure carrying a code and a user-facing message
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError creates an Error with an explicit message
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// wrapError creates an Error with the code's default message and the given cause
func wrapError(code Code, err error) *Error {
	return &Error{Code: code, Message: code.Message(), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks against a code.
var (
	ErrValidation   = &Error{Code: CodeValidation, Message: CodeValidation.Message()}
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: CodeUnauthorized.Message()}
	ErrParse        = &Error{Code: CodeParse, Message: CodeParse.Message()}
	ErrRateLimited  = &Error{Code: CodeRateLimited, Message: CodeRateLimited.Message()}
	ErrAPI          = &Error{Code: CodeAPI, Message: CodeAPI.Message()}
	ErrOCRFailed    = &Error{Code: CodeOCRFailed, Message: CodeOCRFailed.Message()}
	ErrInternal     = &Error{Code: CodeInternal, Message: CodeInternal.Message()}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: CodeNotFound.Message()}
)

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// APIError is a service-level failure reported by the upstream model API
type APIError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s API error (status %d, retry after %s): %v", e.Provider, e.StatusCode, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the upstream rejected the call due to rate limiting
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// parseRetryAfter parses a Retry-After header holding delay seconds.
// Returns 0 if the value is empty or not a valid integer.
func parseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

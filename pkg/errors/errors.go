// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for crew.
// Domain packages define their own error types and report a code through
// the Coder interface so callers can classify them uniformly.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies crew errors for monitoring and for mapping to transport status codes.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeMissingField indicates a required request field was absent or empty.
	CodeMissingField ErrorCode = "MISSING_FIELD"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnreachable indicates the completion host could not be reached.
	CodeUnreachable ErrorCode = "UNREACHABLE"

	// CodeBadResponse indicates the completion host answered with something unusable.
	CodeBadResponse ErrorCode = "BAD_RESPONSE"

	// CodeMissingDependency indicates a step referenced an output that does not exist yet.
	CodeMissingDependency ErrorCode = "MISSING_DEPENDENCY"

	// CodeStepFailed indicates a pipeline step exhausted its attempts.
	CodeStepFailed ErrorCode = "STEP_FAILED"

	// CodeContextLost indicates the caller went away (context canceled).
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Coder is implemented by domain errors that carry an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// CrewError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type CrewError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *CrewError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *CrewError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *CrewError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new CrewError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *CrewError {
	return &CrewError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: StatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *CrewError) WithContext(key string, value interface{}) *CrewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *CrewError) WithAttribute(key, value string) *CrewError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *CrewError) WithRecoverable(recoverable bool) *CrewError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *CrewError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsCrewError attempts to convert an error to a CrewError.
// Errors that already are (or wrap) a CrewError are returned as is; domain
// errors implementing Coder keep their code; anything else is wrapped as internal.
func AsCrewError(err error) *CrewError {
	if err == nil {
		return nil
	}
	var ce *CrewError
	if stderrors.As(err, &ce) {
		return ce
	}
	var coder Coder
	if stderrors.As(err, &coder) {
		return New(coder.Code(), err.Error(), err)
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the most specific code found in the error chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coder Coder
	if stderrors.As(err, &coder) {
		return coder.Code()
	}
	var ce *CrewError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// StatusCode maps error codes to HTTP status codes.
func StatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeMissingField:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnreachable, CodeBadResponse:
		return http.StatusBadGateway
	case CodeContextLost:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

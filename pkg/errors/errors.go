// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed relay errors with rich context.
// Every failure a caller can observe is a *RelayError carrying one ErrorCode.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies relay errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the caller supplied invalid arguments.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodePageNotConnected indicates the target page is not registered.
	CodePageNotConnected ErrorCode = "PAGE_NOT_CONNECTED"

	// CodeSendFailed indicates the page transport rejected the command.
	CodeSendFailed ErrorCode = "SEND_FAILED"

	// CodeDuplicateID indicates a request id collided with a pending request.
	CodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// CodeRemoteError indicates the page reported an error in its reply.
	CodeRemoteError ErrorCode = "REMOTE_ERROR"

	// CodeTimeout indicates no reply arrived within the request timeout.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCancelled indicates the caller abandoned the request.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeClosed indicates the relay shut down while the request was pending.
	CodeClosed ErrorCode = "CLOSED"

	// CodeToolDenied indicates the tool is disabled by the relay's tool policy.
	CodeToolDenied ErrorCode = "TOOL_DENIED"
)

// RelayError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type RelayError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError and the JSON-RPC binding map relay errors.
func (e *RelayError) GRPCStatus() *status.Status {
	return status.New(codeToGRPC(e.Code), e.Message)
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *RelayError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new RelayError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *RelayError {
	return &RelayError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *RelayError) WithRecoverable(recoverable bool) *RelayError {
	e.Recoverable = recoverable
	return e
}

// AsRelayError attempts to convert an error to a RelayError.
// Returns the error as RelayError if it is one, or wraps it otherwise.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err is a RelayError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var re *RelayError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *RelayError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// FormatPages renders connected page ids for user-facing messages.
func FormatPages(pages []string) string {
	if len(pages) == 0 {
		return "none"
	}
	sorted := append([]string(nil), pages...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

// PageNotConnected builds the error returned when a dispatch targets an
// unknown page. The message always lists the pages that are connected.
func PageNotConnected(pageID string, connected []string) *RelayError {
	msg := fmt.Sprintf("page %q is not connected (connected pages: %s)", pageID, FormatPages(connected))
	return New(CodePageNotConnected, msg, nil).
		WithContext("page_id", pageID).
		WithContext("connected_pages", connected).
		WithRecoverable(true)
}

// SendFailed builds the error returned when the page transport rejects a command.
func SendFailed(pageID string, connected []string, cause error) *RelayError {
	msg := fmt.Sprintf("failed to send command to page %q (connected pages: %s)", pageID, FormatPages(connected))
	return New(CodeSendFailed, msg, cause).
		WithContext("page_id", pageID).
		WithContext("connected_pages", connected).
		WithRecoverable(true)
}

// Remote wraps an error message reported by a page. The page's text is kept verbatim.
func Remote(pageID, message string) *RelayError {
	return New(CodeRemoteError, message, nil).
		WithContext("page_id", pageID)
}

// Timeout builds the error used when the reaper expires a request.
func Timeout(requestID int64, method, pageID string, connected []string) *RelayError {
	msg := fmt.Sprintf("%s request %d to page %q timed out (connected pages: %s)", method, requestID, pageID, FormatPages(connected))
	return New(CodeTimeout, msg, nil).
		WithContext("request_id", requestID).
		WithContext("page_id", pageID).
		WithRecoverable(true)
}

// ToolDenied builds the error returned for a tool blocked by policy.
func ToolDenied(tool, reason string) *RelayError {
	return New(CodeToolDenied, fmt.Sprintf("tool %q is not allowed: %s", tool, reason), nil).
		WithContext("tool", tool)
}

// InvalidInput builds a validation error for a named argument.
func InvalidInput(arg, reason string) *RelayError {
	return New(CodeInvalidInput, fmt.Sprintf("invalid argument %q: %s", arg, reason), nil).
		WithContext("argument", arg)
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodePageNotConnected:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeSendFailed, CodeRemoteError:
		return http.StatusBadGateway
	case CodeCancelled:
		return 499
	case CodeClosed:
		return http.StatusServiceUnavailable
	case CodeToolDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// codeToGRPC maps error codes to gRPC status codes.
func codeToGRPC(code ErrorCode) codes.Code {
	switch code {
	case CodeInvalidInput:
		return codes.InvalidArgument
	case CodePageNotConnected:
		return codes.NotFound
	case CodeSendFailed, CodeClosed:
		return codes.Unavailable
	case CodeRemoteError:
		return codes.Aborted
	case CodeTimeout:
		return codes.DeadlineExceeded
	case CodeCancelled:
		return codes.Canceled
	case CodeDuplicateID:
		return codes.AlreadyExists
	case CodeToolDenied:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

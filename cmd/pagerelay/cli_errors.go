// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the pagerelay CLI.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"os"

	"github.com/jllopis/pagerelay/pkg/errors"
	rpcclient "github.com/jllopis/pagerelay/pkg/jsonrpc/client"
)

// CLIError wraps RelayError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.RelayError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(re *errors.RelayError, hint string) *CLIError {
	return &CLIError{
		RelayError: re,
		Hint:       hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.RelayError == nil {
		return "unknown error"
	}

	msg := e.RelayError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]string{
			"code":    string(e.RelayError.Code),
			"message": e.RelayError.Message,
			"hint":    e.Hint,
		}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}

	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", FormatErrorCode(e.RelayError.Code), e.RelayError.Message)
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// WrapConnectionError wraps a connection error with CLI hints.
func WrapConnectionError(err error, addr string) *CLIError {
	re := errors.New(errors.CodeSendFailed, "connection failed: "+err.Error(), err).
		WithContext("address", addr).
		WithRecoverable(true)
	return NewCLIError(re, fmt.Sprintf("check that 'pagerelay serve' is running at %s", addr))
}

// WrapTimeoutError wraps a timeout error with CLI hints.
func WrapTimeoutError(err error, operation string) *CLIError {
	re := errors.New(errors.CodeTimeout, operation+" timed out", err).
		WithContext("operation", operation).
		WithRecoverable(true)
	return NewCLIError(re, "try increasing the timeout with --timeout or check that the page is responsive")
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(re, "run 'pagerelay help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "configuration error: "+err.Error(), err).
		WithContext("config_path", configPath).
		WithRecoverable(false)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(re, hint)
}

// describeError turns a client-side failure into a CLIError with a hint.
func describeError(err error) *CLIError {
	var re *errors.RelayError
	if stderrors.As(err, &re) {
		return NewCLIError(re, hintFor(re.Code))
	}
	var rpcErr *rpcclient.Error
	if stderrors.As(err, &rpcErr) {
		code := codeFromRPC(rpcErr)
		return NewCLIError(errors.New(code, rpcErr.Message, err), hintFor(code))
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return WrapTimeoutError(err, "request")
	}
	var netErr *net.OpError
	if stderrors.As(err, &netErr) {
		return WrapConnectionError(err, netErr.Addr.String())
	}
	return NewCLIError(errors.New(errors.CodeInternal, err.Error(), err), "")
}

// codeFromRPC recovers the relay code carried in a JSON-RPC error.
func codeFromRPC(rpcErr *rpcclient.Error) errors.ErrorCode {
	var data struct {
		Code errors.ErrorCode `json:"code"`
	}
	if len(rpcErr.Data) > 0 && json.Unmarshal(rpcErr.Data, &data) == nil && data.Code != "" {
		return data.Code
	}
	switch rpcErr.Code {
	case -32602:
		return errors.CodeInvalidInput
	case -32004:
		return errors.CodePageNotConnected
	case -32005:
		return errors.CodeTimeout
	}
	return errors.CodeInternal
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodePageNotConnected:
		return "run 'pagerelay pages' to see connected pages"
	case errors.CodeSendFailed:
		return "the page connection dropped; reload the page and retry"
	case errors.CodeTimeout:
		return "the page did not answer in time; check that its script is running"
	case errors.CodeInvalidInput:
		return "run 'pagerelay tools' to see tool arguments"
	case errors.CodeClosed:
		return "the relay is shutting down"
	}
	return ""
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodePageNotConnected:
		return "Page Not Connected"
	case errors.CodeSendFailed:
		return "Send Failed"
	case errors.CodeDuplicateID:
		return "Duplicate Request"
	case errors.CodeRemoteError:
		return "Page Error"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeCancelled:
		return "Cancelled"
	case errors.CodeClosed:
		return "Relay Closed"
	default:
		return string(code)
	}
}

// Package annexerr provides the structured error taxonomy shared by the
// filestore, catalog, sync, and SFTP packages.
package annexerr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Code identifies which member of the taxonomy an error belongs to.
type Code string

const (
	// NotFound: key or row absent.
	NotFound Code = "NOT_FOUND"
	// AlreadyExists: destination key present; upload refused.
	AlreadyExists Code = "ALREADY_EXISTS"
	// KeyMismatch: declared key does not match computed key on SFTP close.
	KeyMismatch Code = "KEY_MISMATCH"
	// Unsupported: SFTP op outside the whitelist.
	Unsupported Code = "UNSUPPORTED"
	// AuthFailed: SFTP public key not recognized.
	AuthFailed Code = "AUTH_FAILED"
	// ModifiedConflict: diff reports 'modified' for a key.
	ModifiedConflict Code = "MODIFIED_CONFLICT"
	// Transient: network, ENOSPC, DB deadlock; retried at the page boundary.
	Transient Code = "TRANSIENT"
	// Fatal: invariant violation; surfaces with context, no retry.
	Fatal Code = "FATAL"
)

// retryable reports whether a code is, by default, safe to retry.
var retryable = map[Code]bool{
	Transient: true,
}

// Error is the structured error type returned by every package in this
// module. It implements Unwrap so errors.Is/errors.As work across
// package boundaries.
type Error struct {
	Code      Code
	Message   string
	Component string
	Operation string
	Details   map[string]interface{}
	Cause     error
	Timestamp time.Time
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code, so callers can write errors.Is(err, annexerr.New(annexerr.NotFound, "")).
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// Retryable reports whether the sync engine should retry the page that
// produced this error rather than aborting.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// String is a verbose, log-friendly rendering.
func (e *Error) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// Is reports whether err carries the given code, looking through wrapped
// causes the same way errors.Is would, without requiring callers to import
// the stdlib errors package just for this check.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

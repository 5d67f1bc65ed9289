// Package kernelerr defines the closed error taxonomy shared across the
// kernel. Components return sentinel errors (checked with errors.Is) or a
// *Error wrapping one with extra context, the way internal/agent/errors.go
// does for tool failures in the teacher repo.
package kernelerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category. Closed set, per spec.md §7.
type Code string

const (
	SessionBusy       Code = "SessionBusy"
	InvalidTransition Code = "InvalidTransition"
	NotFound          Code = "NotFound"
	WorkspaceEscape   Code = "WorkspaceEscape"
	DenyPatternMatch  Code = "DenyPatternMatch"
	SchemaValidation  Code = "SchemaValidation"
	ExecutionTimeout  Code = "ExecutionTimeout"
	StaleBase         Code = "StaleBase"
	AnchorMismatch    Code = "AnchorMismatch"
	InvalidRange      Code = "InvalidRange"
	FileNotFound      Code = "FileNotFound"
	ApprovalCancelled Code = "ApprovalCancelled"
	ProviderError     Code = "ProviderError"
	StorageError      Code = "StorageError"
)

// Sentinel errors, one per Code, so callers can use errors.Is directly
// without constructing an *Error.
var (
	ErrSessionBusy       = errors.New("session already has an active run")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrNotFound          = errors.New("not found")
	ErrWorkspaceEscape   = errors.New("path escapes workspace root")
	ErrDenyPatternMatch  = errors.New("path matches a deny pattern")
	ErrSchemaValidation  = errors.New("tool arguments failed schema validation")
	ErrExecutionTimeout  = errors.New("tool execution timed out")
	ErrStaleBase         = errors.New("base hash does not match current file")
	ErrAnchorMismatch    = errors.New("anchor hash mismatch")
	ErrInvalidRange      = errors.New("invalid line range")
	ErrFileNotFound      = errors.New("file not found")
	ErrApprovalCancelled = errors.New("approval cancelled")
	ErrProviderError     = errors.New("provider error")
	ErrStorageError      = errors.New("storage error")
)

var sentinelByCode = map[Code]error{
	SessionBusy:       ErrSessionBusy,
	InvalidTransition: ErrInvalidTransition,
	NotFound:          ErrNotFound,
	WorkspaceEscape:   ErrWorkspaceEscape,
	DenyPatternMatch:  ErrDenyPatternMatch,
	SchemaValidation:  ErrSchemaValidation,
	ExecutionTimeout:  ErrExecutionTimeout,
	StaleBase:         ErrStaleBase,
	AnchorMismatch:    ErrAnchorMismatch,
	InvalidRange:      ErrInvalidRange,
	FileNotFound:      ErrFileNotFound,
	ApprovalCancelled: ErrApprovalCancelled,
	ProviderError:     ErrProviderError,
	StorageError:      ErrStorageError,
}

// Error wraps a Code with contextual detail while remaining matchable via
// errors.Is against the corresponding sentinel.
type Error struct {
	Code    Code
	Detail  string
	Cause   error
}

// New constructs an *Error for the given code with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error for the given code, preserving cause for
// errors.Unwrap / errors.As chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelByCode[e.Code]
}

// Is reports whether target is the sentinel for e's Code, so callers can
// write errors.Is(err, kernelerr.ErrNotFound) regardless of whether err is
// the bare sentinel or a *Error wrapping it.
func (e *Error) Is(target error) bool {
	return sentinelByCode[e.Code] == target
}

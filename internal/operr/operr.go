// Package operr defines the error taxonomy shared by the compiler and the
// runtime executor. Every error crossing a package boundary is either a
// *CompileError (offline pipeline) or a *Error carrying a classification
// code, an optional path into the requested field tree, and a retryability
// flag derived from the code.
package operr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code classifies an error for clients and for retry policy.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeTimeout       Code = "TIMEOUT"
	CodeCancelled     Code = "CANCELLED"
	CodeConnection    Code = "CONNECTION"
	CodeInternal      Code = "INTERNAL"
)

// Retryable reports whether callers may retry after backoff. Only the
// transient server-side codes qualify; client errors and conflicts must
// not be retried automatically.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeCancelled, CodeConnection:
		return true
	default:
		return false
	}
}

// Error is a classified runtime error. Path, when set, names the field in
// the requested tree the error applies to.
type Error struct {
	Code    Code
	Message string
	Path    []string

	cause error
}

func (e *Error) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Code)), e.Message)
	}
	return fmt.Sprintf("%s: %s (at %s)", strings.ToLower(string(e.Code)), e.Message, strings.Join(e.Path, "."))
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable mirrors Code.Retryable for callers holding the error value.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// WithPath returns a copy of the error attached to a field path. The
// original is not modified so a shared sentinel-style error can fan out
// to several branches.
func (e *Error) WithPath(path ...string) *Error {
	clone := *e
	clone.Path = append(append([]string(nil), e.Path...), path...)
	return &clone
}

// MarshalJSON emits the wire shape of the response error list entry.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code      Code     `json:"code"`
		Message   string   `json:"message"`
		Path      []string `json:"path,omitempty"`
		Retryable bool     `json:"retryable"`
	}{
		Code:      e.Code,
		Message:   e.Message,
		Path:      e.Path,
		Retryable: e.Code.Retryable(),
	})
}

// New builds a classified error. Use the shorthand constructors below for
// the common codes.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func Validation(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return Newf(CodeAuthorization, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return Newf(CodeNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return Newf(CodeConflict, format, args...)
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

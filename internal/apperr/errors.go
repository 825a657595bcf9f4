// Package apperr carries the render service error taxonomy. Every error that
// crosses a package boundary in the render path is an *Error with a Code, so
// handlers and the pipeline can classify failures with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeCaptureFailed    Code = "CAPTURE_FAILED"
	CodeEncoderFailed    Code = "ENCODER_FAILED"
	CodeMediaUnavailable Code = "MEDIA_UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeDisconnected     Code = "CONSUMER_DISCONNECT"
	CodeConflict         Code = "CONFLICT"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrAuthorization = &Error{Code: CodeForbidden}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrCapture       = &Error{Code: CodeCaptureFailed}
	ErrEncoder       = &Error{Code: CodeEncoderFailed}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrDisconnected  = &Error{Code: CodeDisconnected}
	ErrValidation    = &Error{Code: CodeValidation}
	ErrConflict      = &Error{Code: CodeConflict}
)

// Error is a coded error with the failing operation and an optional cause.
type Error struct {
	Code    Code
	Message string
	// Op is the operation that failed, e.g. "capture.frame".
	Op     string
	Err    error
	Fields map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a context field to the error.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeDisconnected:
		return 499
	case CodeMediaUnavailable:
		return 502
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err, keeping its code when it already is an *Error.
func Wrap(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return &Error{Code: code, Message: message, Op: op, Err: err}
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err}
}

// Authorization reports a missing, expired or mismatched render token.
func Authorization(message string) *Error {
	return New(CodeForbidden, message)
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Validation reports a malformed request.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Conflict reports an operation that does not fit the resource's state.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Capture reports a rendering surface failure.
func Capture(op string, err error) *Error {
	return WrapWithCode(orMessage(err), CodeCaptureFailed, op, "rendering surface failed")
}

// Encoder reports an encoder process failure. stderr is the tail of the
// process diagnostics and may be empty.
func Encoder(err error, stderr string) *Error {
	e := WrapWithCode(orMessage(err), CodeEncoderFailed, "encoder", "encoder process failed")
	if s := strings.TrimSpace(stderr); s != "" {
		e.WithField("stderr", s)
	}
	return e
}

// Timeout reports that the render watchdog fired.
func Timeout(operation string) *Error {
	return New(CodeTimeout, fmt.Sprintf("operation timed out: %s", operation)).
		WithField("operation", operation)
}

// Disconnected reports that the output consumer went away.
func Disconnected() *Error {
	return New(CodeDisconnected, "output consumer disconnected")
}

// GetCode extracts the code from err, defaulting to CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus extracts the response status from err.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// Message returns the top-level message of err without the cause chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsCode checks whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func orMessage(err error) error {
	if err == nil {
		return errors.New("unknown failure")
	}
	return err
}

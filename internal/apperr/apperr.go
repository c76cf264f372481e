// Package apperr defines the error kinds surfaced by the relay's HTTP handlers
// and the status code and client message each one maps to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the client
type Kind int

const (
	Internal Kind = iota
	CameraUnavailable
	StorageWrite
	UnsupportedMedia
	TooLarge
	BadRequest
)

func (k Kind) String() string {
	switch k {
	case CameraUnavailable:
		return "camera_unavailable"
	case StorageWrite:
		return "storage_write"
	case UnsupportedMedia:
		return "unsupported_media"
	case TooLarge:
		return "too_large"
	case BadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind
func (k Kind) Status() int {
	switch k {
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the fixed client message for the kind, or "" when the
// message comes from the underlying error.
func (k Kind) Message() string {
	switch k {
	case CameraUnavailable:
		return "Snapshot failed"
	case StorageWrite:
		return "Upload failed"
	case UnsupportedMedia:
		return "Only images allowed"
	case TooLarge:
		return "request entity too large"
	default:
		return ""
	}
}

// Error is an error tagged with a Kind
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates an Error of the given kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates an Error of the given kind with a formatted cause
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClientMessage is the text shown to the caller
func (e *Error) ClientMessage() string {
	if msg := e.Kind.Message(); msg != "" {
		return msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// KindOf returns the kind of the first *Error in err's chain, or Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Response returns the status code and client message for any error.
// Untagged errors map to 500 with their own message.
func Response(err error) (int, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Status(), e.ClientMessage()
	}
	if err == nil {
		return http.StatusInternalServerError, "internal error"
	}
	return http.StatusInternalServerError, err.Error()
}

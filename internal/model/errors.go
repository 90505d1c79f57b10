package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures. Only TransientDriver is retryable.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "configuration"
	KindValidation        ErrorKind = "validation"
	KindAuth              ErrorKind = "auth"
	KindTransientDriver   ErrorKind = "transient_driver"
	KindPlatformRejection ErrorKind = "platform_rejection"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error

	missing bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so errors.Is(err, &Error{Kind: KindAuth}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound is a validation error for a lookup that matched nothing.
func NotFound(op, format string, args ...any) *Error {
	e := Errorf(KindValidation, op, format, args...)
	e.missing = true
	return e
}

// IsNotFound reports whether err came from NotFound.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.missing
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation maps to KindCancelled and deadlines to
// KindTransientDriver. Unclassified errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientDriver
	}
	return KindInternal
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool { return KindOf(err) == KindTransientDriver }

// Message returns the human-readable text stored on failed tasks.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

var (
	ErrNotAuthenticated = &Error{Kind: KindAuth, Msg: "not authenticated"}
	ErrCancelled        = &Error{Kind: KindCancelled, Msg: "cancelled"}
)

package event

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy carried by error events.
type ErrorKind string

const (
	ErrTransport       ErrorKind = "transport"
	ErrUpstreamService ErrorKind = "upstream_service"
	ErrProtocol        ErrorKind = "protocol"
	ErrSessionState    ErrorKind = "session_state"
)

// Error is a classified pipeline failure. Fatal errors end the session;
// the rest are scoped to a turn.
type Error struct {
	Kind    ErrorKind
	Message string
	Fatal   bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind and, when the target sets one,
// the same message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

func Fatalf(kind ErrorKind, format string, args ...any) *Error {
	e := Errorf(kind, format, args...)
	e.Fatal = true
	return e
}

// AsError returns err as an *Error, classifying it as defaultKind when it
// carries no classification of its own.
func AsError(err error, defaultKind ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: defaultKind, Message: err.Error(), Err: err}
}

// Escalate marks err fatal while keeping its classification.
func Escalate(err error, defaultKind ErrorKind) *Error {
	e := *AsError(err, defaultKind)
	e.Fatal = true
	return &e
}

package types

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the relay subsystem can surface. A Kind is
// itself an error so callers can write errors.Is(err, types.AuthRejected)
// without unwrapping to the concrete *Error.
type Kind int

const (
	ConfigurationError Kind = iota + 1 // missing credentials or invalid settings
	AuthRejected                       // the portal refused the credentials
	TransportError                     // network or TLS failure talking to a remote
	ProtocolError                      // a remote answered with something unexpected
	ResourceBusy                       // the relay port or relay instance is taken
)

// Error returns the kind name.
func (k Kind) Error() string {
	switch k {
	case ConfigurationError:
		return "configuration error"
	case AuthRejected:
		return "authentication rejected"
	case TransportError:
		return "transport error"
	case ProtocolError:
		return "protocol error"
	case ResourceBusy:
		return "resource busy"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by the portal, resolver, relay and
// lifecycle packages.
type Error struct {
	Kind       Kind   // failure class
	Op         string // operation that failed, e.g. "portal.login"
	Message    string // human readable detail, for AuthRejected the portal's own text
	StatusCode int    // HTTP status when the failure came from a status check
	Err        error  // underlying cause
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target so errors.Is works against the taxonomy.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Errorf creates an *Error of the given kind with a formatted message.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Status creates a ProtocolError for an unexpected HTTP status code.
func Status(op string, code int) *Error {
	return &Error{Kind: ProtocolError, Op: op, Message: "unexpected status", StatusCode: code}
}

// KindOf returns the Kind carried by err, or 0 if err is not part of the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// IsTerminal reports whether err should end the current user action without
// any fallback. Only ResourceBusy is recoverable at the playback level.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case ResourceBusy:
		return false
	default:
		return err != nil
	}
}

// Package opcerr defines the two error kinds the backend distinguishes:
// LogicError (caller misuse, never recovered internally) and RuntimeError
// (transport/protocol failure, recovered by the caller re-invoking open()).
package opcerr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend error so callers can branch on it without
// string-matching.
type ErrorKind int

const (
	// KindLogic marks misuse by the caller: read/write while closed, the
	// raw access-mode flag, an unknown register name, a request exceeding
	// the register's size, or a write to a read-only node.
	KindLogic ErrorKind = iota
	// KindRuntime marks a transport/protocol failure: connect failed,
	// non-OK read/write status, subscription creation failed, the
	// publish loop lost connectivity, or a mapfile parse error.
	KindRuntime
)

func (k ErrorKind) String() string {
	switch k {
	case KindLogic:
		return "LogicError"
	case KindRuntime:
		return "RuntimeError"
	default:
		return "UnknownError"
	}
}

// Sentinel causes, wrapped by New/Newf below with fmt.Errorf's %w so that
// errors.Is still matches against these values after wrapping.
var (
	ErrDeviceNotOpen        = errors.New("device is not open")
	ErrRawAccessMode        = errors.New("raw access mode is not supported")
	ErrRegisterNotFound     = errors.New("register not found in catalogue")
	ErrRequestExceedsLength = errors.New("requested range exceeds register length")
	ErrInvalidOffset        = errors.New("offset without length is not permitted")
	ErrNotWritable          = errors.New("variable is not writable")
	ErrUnknownTypeCode      = errors.New("unknown register type code")

	ErrConnectFailed      = errors.New("failed to connect to OPC UA server")
	ErrTransferFailed     = errors.New("OPC UA transfer failed")
	ErrSubscriptionFailed = errors.New("failed to create OPC UA subscription")
	ErrConnectionLost     = errors.New("OPC UA connection lost")
	ErrMapfileParse       = errors.New("failed to parse mapfile entry")
)

// Error wraps a sentinel cause with an ErrorKind so callers distinguish
// logic mistakes from runtime failures without parsing message text.
type Error struct {
	kind  ErrorKind
	cause error
}

func (e *Error) Error() string { return e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

// Kind reports whether this is a LogicError or a RuntimeError.
func (e *Error) Kind() ErrorKind { return e.kind }

// Logic wraps cause (typically one of the sentinels above, or any error
// produced by fmt.Errorf("%w: ...", sentinel)) as a LogicError.
func Logic(cause error) *Error {
	return &Error{kind: KindLogic, cause: cause}
}

// Logicf formats a LogicError wrapping sentinel via %w.
func Logicf(sentinel error, format string, args ...any) *Error {
	return &Error{kind: KindLogic, cause: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}

// Runtime wraps cause as a RuntimeError.
func Runtime(cause error) *Error {
	return &Error{kind: KindRuntime, cause: cause}
}

// Runtimef formats a RuntimeError wrapping sentinel via %w.
func Runtimef(sentinel error, format string, args ...any) *Error {
	return &Error{kind: KindRuntime, cause: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}

// Is reports whether err is a *Error of kind k.
func Is(err error, k ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind() == k
	}
	return false
}

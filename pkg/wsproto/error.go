// Package wsproto defines the error taxonomy shared by the wake signal,
// event loop, task queue, and WebSocket client packages.
package wsproto

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error] so that callers can branch on failure mode
// with [errors.Is] instead of string matching.
type Kind int

const (
	// InvalidArg means the caller passed a malformed argument.
	InvalidArg Kind = iota + 1
	// InvalidState means the call is illegal in the current lifecycle phase.
	InvalidState
	// WouldBlock means a non-blocking operation has no progress to report.
	WouldBlock
	// Timeout means a poll, read, or write exceeded its configured budget.
	Timeout
	// ProtocolError means a recoverable RFC 6455 violation was observed.
	ProtocolError
	// InvalidData means a text or close payload was not valid UTF-8.
	InvalidData
	// MessageTooBig means a defragmented message exceeded its size cap.
	MessageTooBig
	// OutOfMemory means a buffer allocation failed.
	OutOfMemory
	// TransportFailed means an unrecoverable I/O or framing failure occurred.
	TransportFailed
	// QueueFull means a task queue has no free slot for a new post.
	QueueFull
	// BadFd means a wake signal was used after it was closed.
	BadFd
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "invalid_arg"
	case InvalidState:
		return "invalid_state"
	case WouldBlock:
		return "would_block"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol_error"
	case InvalidData:
		return "invalid_data"
	case MessageTooBig:
		return "message_too_big"
	case OutOfMemory:
		return "out_of_memory"
	case TransportFailed:
		return "transport_failed"
	case QueueFull:
		return "queue_full"
	case BadFd:
		return "bad_fd"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries in
// this module. Its [Kind] is meant to be checked with [errors.As].
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an [*Error] with the same [Kind], so that
// sentinel-style checks like errors.Is(err, wsproto.New(wsproto.WouldBlock, "", nil))
// work without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an [*Error] of the given kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// HasKind reports whether err, or any error it wraps, is an [*Error] of kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

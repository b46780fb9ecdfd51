package icerpc

import (
	"errors"
	"fmt"
)

// Kind classifies a core-level failure the way spec §7 describes: not by Go
// type, but by where in the invocation/dispatch lifecycle it happened.
type Kind int

const (
	// KindTransportFailure means the underlying I/O or framing broke.
	KindTransportFailure Kind = iota
	// KindProtocolFailure means a decoded header violated the wire protocol.
	KindProtocolFailure
	// KindConnectionClosed means the peer or the local side shut down before
	// the operation completed.
	KindConnectionClosed
	// KindDispatchFailure means a handler returned an error; it is mapped to
	// a DispatchErrorCode and encoded into a Failure response rather than
	// tearing down the connection.
	KindDispatchFailure
	// KindInvalidData means a decoded body was malformed or too deep.
	KindInvalidData
	// KindCancelled means the caller, the peer, or shutdown cancelled the
	// operation.
	KindCancelled
	// KindInvalidArgument means a fields encoder or payload-writer raised
	// before anything was sent.
	KindInvalidArgument
	// KindIllegalState means the caller used an API after it was frozen,
	// e.g. Router.Map/Mount/Use called after the first DispatchAsync.
	KindIllegalState
)

func (k Kind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport failure"
	case KindProtocolFailure:
		return "protocol failure"
	case KindConnectionClosed:
		return "connection closed"
	case KindDispatchFailure:
		return "dispatch failure"
	case KindInvalidData:
		return "invalid data"
	case KindCancelled:
		return "cancelled"
	case KindInvalidArgument:
		return "invalid argument"
	case KindIllegalState:
		return "illegal state"
	default:
		return "unknown"
	}
}

// DispatchErrorCode is the wire-level error code a Failure response carries,
// per spec §6.4.
type DispatchErrorCode int

const (
	ErrCodeServiceNotFound DispatchErrorCode = iota
	ErrCodeOperationNotFound
	ErrCodeInvalidData
	ErrCodeUnhandledException
	ErrCodeCanceled
)

func (c DispatchErrorCode) String() string {
	switch c {
	case ErrCodeServiceNotFound:
		return "ServiceNotFound"
	case ErrCodeOperationNotFound:
		return "OperationNotFound"
	case ErrCodeInvalidData:
		return "InvalidData"
	case ErrCodeUnhandledException:
		return "UnhandledException"
	case ErrCodeCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// CoreError wraps a failure with its Kind and, for dispatch failures, the
// wire-level DispatchErrorCode. It implements Unwrap so errors.Is/As compose
// across the package boundary; callers should never see a raw transport
// error escape the core.
type CoreError struct {
	Kind    Kind
	Code    DispatchErrorCode // only meaningful when Kind == KindDispatchFailure
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("icerpc: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("icerpc: %s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewError builds a CoreError of the given kind.
func NewError(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// NewDispatchError builds a CoreError carrying a DispatchErrorCode.
func NewDispatchError(code DispatchErrorCode, message string, cause error) *CoreError {
	return &CoreError{Kind: KindDispatchFailure, Code: code, Message: message, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Sentinel errors for the common, argument-less cases; callers can compare
// with errors.Is.
var (
	ErrConnectionClosed = NewError(KindConnectionClosed, "connection is shutting down or closed", nil)
	ErrCancelled        = NewError(KindCancelled, "operation cancelled", nil)
	ErrDisposed         = NewError(KindConnectionClosed, "connection disposed", nil)
)

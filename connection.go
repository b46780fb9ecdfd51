package icerpc

import "context"

// ConnState is one of {Active, ShuttingDown, Closed}, per spec §3.
type ConnState int32

const (
	StateActive ConnState = iota
	StateShuttingDown
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher turns an IncomingRequest into an OutgoingResponse. Handlers
// that return an error, whatever its Kind, have it mapped to a
// DispatchErrorCode by MapDispatchError and encoded as a Failure response;
// a handler error never tears the connection down.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, request *IncomingRequest) (*OutgoingResponse, error)
}

// DispatcherFunc adapts a plain function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, request *IncomingRequest) (*OutgoingResponse, error)

func (f DispatcherFunc) DispatchAsync(ctx context.Context, request *IncomingRequest) (*OutgoingResponse, error) {
	return f(ctx, request)
}

// Invoker turns an OutgoingRequest into an IncomingResponse. A
// ProtocolConnection is the terminal Invoker of every interceptor pipeline.
type Invoker interface {
	Invoke(ctx context.Context, request *OutgoingRequest) (*IncomingResponse, error)
}

// InvokerFunc adapts a plain function to an Invoker.
type InvokerFunc func(ctx context.Context, request *OutgoingRequest) (*IncomingResponse, error)

func (f InvokerFunc) Invoke(ctx context.Context, request *OutgoingRequest) (*IncomingResponse, error) {
	return f(ctx, request)
}

// ProtocolConnection is the state machine shared by the ice and icerpc
// wire protocols: it multiplexes concurrent invocations and dispatches over
// one transport connection, per spec §2/§4.7.
type ProtocolConnection interface {
	Invoker

	// AcceptRequests runs the server-side accept loop until the connection
	// is shut down, disposed, or the transport fails. It dispatches every
	// accepted request to dispatcher.
	AcceptRequests(ctx context.Context, dispatcher Dispatcher) error

	// ShutdownAsync transitions Active -> ShuttingDown (idempotent), stops
	// accepting new work, and waits for in-flight dispatches and
	// invocations to drain before transitioning to Closed and sending the
	// protocol-specific close. If ctx is cancelled first, in-flight
	// dispatches observe cancellation and pending invocations fail with
	// Cancelled; ShutdownAsync itself still returns nil once drained.
	ShutdownAsync(ctx context.Context, reason string) error

	// Dispose hard-aborts the connection: pending invocations fail with
	// cause (ErrDisposed when cause is nil), pending dispatches are
	// cancelled, and the transport is closed immediately without waiting
	// for drain.
	Dispose(cause error)

	// HasDispatchesInProgress and HasInvocationsInProgress are the
	// observable booleans backing the shutdown-drain testable property.
	HasDispatchesInProgress() bool
	HasInvocationsInProgress() bool

	// SetPeerShutdownInitiated registers the callback invoked when the peer
	// signals shutdown; the local side decides whether to initiate its own
	// shutdown in response. Passing nil clears the callback.
	SetPeerShutdownInitiated(callback func(reason string))

	// State reports the current ConnState.
	State() ConnState
}

package icerpc

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Lifecycle is the shutdown/cancellation coordinator from spec §4.7,
// shared by the ice and icerpc ProtocolConnection implementations via
// composition. It tracks in-flight dispatches and invocations by an
// arbitrary numeric key (a request ID for ice, a stream ID for icerpc) and
// drives the Active -> ShuttingDown -> Closed transition.
//
// Grounded on the teacher's Close() (x5iu-gorpc/codec.go): drain via a
// WaitGroup-like count reaching zero, closeOnce/closedOnce guarding the
// transition, failPending on abort — generalized from a single WaitGroup
// to a sync.Cond so ShutdownAsync can both wait for drain and race a
// caller-supplied cancellation.
type Lifecycle struct {
	mu   sync.Mutex
	cond *sync.Cond

	state ConnState

	dispatches  map[uint64]context.CancelFunc
	invocations map[uint64]func(error)

	peerShutdown     func(reason string)
	peerShutdownOnce sync.Once

	logger *zap.Logger
}

// NewLifecycle builds a Lifecycle in the Active state. A nil logger is
// replaced with a no-op logger so callers never need to configure logging
// just to construct a connection.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lifecycle{
		state:       StateActive,
		dispatches:  make(map[uint64]context.CancelFunc),
		invocations: make(map[uint64]func(error)),
		logger:      logger,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// State reports the current ConnState.
func (l *Lifecycle) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BeginInvocation registers a pending invocation under id, rejecting the
// call with ErrConnectionClosed unless the connection is Active. fail is
// invoked at most once, with the terminal cause, if the invocation is still
// pending when shutdown/dispose needs to resolve it.
func (l *Lifecycle) BeginInvocation(id uint64, fail func(error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return ErrConnectionClosed
	}
	l.invocations[id] = fail
	return nil
}

// EndInvocation unregisters id and wakes any ShutdownAsync waiter that may
// now have a fully-drained connection.
func (l *Lifecycle) EndInvocation(id uint64) {
	l.mu.Lock()
	delete(l.invocations, id)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// BeginDispatch registers a pending dispatch under id with its
// cancellation function, rejecting the call unless the connection is
// Active (new accepted streams are refused once shutdown has begun, per
// spec §4.7).
func (l *Lifecycle) BeginDispatch(id uint64, cancel context.CancelFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return ErrConnectionClosed
	}
	l.dispatches[id] = cancel
	return nil
}

// EndDispatch unregisters id and wakes any ShutdownAsync waiter.
func (l *Lifecycle) EndDispatch(id uint64) {
	l.mu.Lock()
	delete(l.dispatches, id)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// HasDispatchesInProgress reports whether any dispatch is still registered.
func (l *Lifecycle) HasDispatchesInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dispatches) > 0
}

// HasInvocationsInProgress reports whether any invocation is still
// registered.
func (l *Lifecycle) HasInvocationsInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.invocations) > 0
}

// SetPeerShutdownInitiated registers the callback invoked (at most once)
// when NotifyPeerShutdown is called.
func (l *Lifecycle) SetPeerShutdownInitiated(callback func(reason string)) {
	l.mu.Lock()
	l.peerShutdown = callback
	l.mu.Unlock()
}

// NotifyPeerShutdown invokes the registered peer-shutdown callback exactly
// once, regardless of how many times the peer's close signal is observed.
func (l *Lifecycle) NotifyPeerShutdown(reason string) {
	l.mu.Lock()
	cb := l.peerShutdown
	l.mu.Unlock()
	if cb == nil {
		return
	}
	l.peerShutdownOnce.Do(func() { cb(reason) })
}

// beginShutdown transitions Active -> ShuttingDown, idempotently. It
// returns false if the connection is already Closed, since shutdown of a
// disposed/closed connection is a no-op.
func (l *Lifecycle) beginShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateActive:
		l.state = StateShuttingDown
		l.cond.Broadcast()
		return true
	case StateShuttingDown:
		return true
	default:
		return false
	}
}

// Drain waits for both counters to reach zero, or for ctx to be cancelled
// first. On cancellation, every registered dispatch cancel func is invoked
// and every registered invocation is failed with ErrCancelled; Drain itself
// still returns nil once the (now forcibly emptied) counters reach zero.
//
// Callers should call beginShutdown before Drain; Drain does not change
// state itself, so the same Lifecycle can be reused by ShutdownAsync for
// waiting and by Dispose for the abort path.
func (l *Lifecycle) Drain(ctx context.Context) error {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			l.forceDrain(ErrCancelled)
		case <-stopWatch:
		}
	}()

	l.mu.Lock()
	for len(l.dispatches) > 0 || len(l.invocations) > 0 {
		l.cond.Wait()
	}
	l.mu.Unlock()
	return nil
}

// forceDrain cancels every registered dispatch and fails every registered
// invocation with cause, then empties both registries so Drain's wait
// condition is satisfied.
func (l *Lifecycle) forceDrain(cause error) {
	l.mu.Lock()
	dispatches := l.dispatches
	invocations := l.invocations
	l.dispatches = make(map[uint64]context.CancelFunc)
	l.invocations = make(map[uint64]func(error))
	l.cond.Broadcast()
	l.mu.Unlock()

	for id, cancel := range dispatches {
		if cancel != nil {
			cancel()
		}
		l.logger.Debug("cancelling in-flight dispatch for shutdown", zap.Uint64("id", id))
	}
	for id, fail := range invocations {
		if fail != nil {
			fail(cause)
		}
		l.logger.Debug("failing pending invocation for shutdown", zap.Uint64("id", id), zap.Error(cause))
	}
}

// Close transitions to Closed unconditionally; it does not drain. Callers
// must have already drained (ShutdownAsync) or forced (Dispose) before
// calling Close.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.state = StateClosed
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Abort is Dispose's hook into the coordinator: force-drain with cause and
// transition straight to Closed, regardless of current state.
func (l *Lifecycle) Abort(cause error) {
	l.forceDrain(cause)
	l.Close()
}

// BeginShutdown exposes beginShutdown for ProtocolConnection
// implementations that need to check the transition result before
// launching the accept-refusal / close-frame logic.
func (l *Lifecycle) BeginShutdown() bool { return l.beginShutdown() }

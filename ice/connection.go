package ice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	icerpc "github.com/icerpc/icerpc-go"
	"github.com/icerpc/icerpc-go/transport"
)

// Connection is the IceProtocolConnection from spec §4.2: one legacy
// single-stream connection multiplexing concurrent twoway invocations by
// request ID and, if AcceptRequests is running, concurrent dispatches over
// the same stream.
//
// Grounded on x5iu-gorpc/codec.go's single read-loop-owns-demux structure:
// one goroutine reads and demultiplexes frames by looking them up in a
// pending map, a mutex serializes writes, and Close/closeOnce drains the
// pending set on teardown. Generalized here from the teacher's bare
// sequence-number map to request IDs plus a second channel for inbound
// Request frames, and composed with icerpc.Lifecycle for the
// shutdown/cancellation coordination the teacher does inline.
type Connection struct {
	id   uuid.UUID
	conn transport.Duplex
	opts Options

	lifecycle *icerpc.Lifecycle
	ids       *requestIDAllocator
	sem       *semaphore.Weighted

	writeMu sync.Mutex

	onewayKeys atomic.Uint64

	waitersMu sync.Mutex
	waiters   map[int32]chan replyBody

	validatedCh chan struct{}
	validateErr error

	closed      chan struct{}
	closeOnce   sync.Once
	peerClosed  atomic.Bool

	requestsCh chan requestBody
}

// NewClientConnection builds a Connection that initiates invocations; it
// blocks its first Invoke call until the peer's ValidateConnection frame has
// been read off conn by the background read loop.
func NewClientConnection(conn transport.Duplex, opts Options) *Connection {
	c := newConnection(conn, opts)
	go c.readLoop()
	return c
}

// NewServerConnection builds a Connection that has just accepted conn: it
// writes the ValidateConnection frame immediately, per spec §4.2, then
// starts its read loop.
func NewServerConnection(conn transport.Duplex, opts Options) *Connection {
	c := newConnection(conn, opts)
	if err := writeFrame(c.conn, FrameValidateConn, nil); err != nil {
		c.validateErr = icerpc.NewError(icerpc.KindTransportFailure, "failed to write ValidateConnection", err)
		close(c.validatedCh)
	} else {
		close(c.validatedCh)
	}
	go c.readLoop()
	return c
}

func newConnection(conn transport.Duplex, opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		id:          uuid.New(),
		conn:        conn,
		opts:        opts,
		lifecycle:   icerpc.NewLifecycle(opts.Logger),
		ids:         newRequestIDAllocator(),
		sem:         semaphore.NewWeighted(opts.MaxConcurrentDispatches),
		waiters:     make(map[int32]chan replyBody),
		validatedCh: make(chan struct{}),
		closed:      make(chan struct{}),
		requestsCh:  make(chan requestBody, 64),
	}
}

// ID identifies this connection across its lifetime for log correlation; it
// has no meaning on the wire.
func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) State() icerpc.ConnState { return c.lifecycle.State() }

func (c *Connection) HasDispatchesInProgress() bool  { return c.lifecycle.HasDispatchesInProgress() }
func (c *Connection) HasInvocationsInProgress() bool { return c.lifecycle.HasInvocationsInProgress() }

func (c *Connection) SetPeerShutdownInitiated(callback func(reason string)) {
	c.lifecycle.SetPeerShutdownInitiated(callback)
}

// Invoke implements spec §4.2's client-side algorithm: allocate an ID (or
// none for oneway), serialize the request, write it under the
// write-serialization lock, and for twoway requests wait for the matching
// Reply frame, a forced shutdown/dispose cause, or ctx cancellation.
func (c *Connection) Invoke(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
	owned := icerpc.Own(req.Payload)
	var outcome error
	defer owned.Release(&outcome)

	if c.lifecycle.State() != icerpc.StateActive {
		outcome = icerpc.ErrConnectionClosed
		return nil, outcome
	}

	var id int32
	if !req.Oneway {
		allocated, err := c.ids.allocate()
		if err != nil {
			outcome = icerpc.NewError(icerpc.KindTransportFailure, "request id space exhausted", err)
			c.Dispose(outcome)
			return nil, outcome
		}
		id = allocated

		forceCh := make(chan error, 1)
		if err := c.lifecycle.BeginInvocation(uint64(id), func(cause error) {
			select {
			case forceCh <- cause:
			default:
			}
		}); err != nil {
			outcome = err
			return nil, outcome
		}
		defer c.lifecycle.EndInvocation(uint64(id))

		replyCh := c.registerWaiter(id)
		defer c.unregisterWaiter(id)

		payload, err := consumePayload(ctx, req.Payload)
		if err != nil {
			outcome = err
			return nil, outcome
		}

		if err := c.waitValidated(ctx); err != nil {
			outcome = err
			return nil, outcome
		}

		body := requestBody{
			RequestID: id,
			ID:        pathToIdentity(req.Proxy.Path),
			Operation: req.Operation,
			Mode:      modeOf(req),
			Context:   requestContext(req),
			Encoding:  [2]byte{req.Proxy.Encoding.Major, req.Proxy.Encoding.Minor},
			Payload:   payload,
		}
		if err := c.send(FrameRequest, encodeRequestBody(body)); err != nil {
			outcome = icerpc.NewError(icerpc.KindTransportFailure, "failed to write request", err)
			return nil, outcome
		}
		req.MarkDispatched()

		select {
		case rb := <-replyCh:
			resultType := icerpc.ResultSuccess
			if rb.Status == replyFailure {
				resultType = icerpc.ResultFailure
			}
			return &icerpc.IncomingResponse{
				ResultType: resultType,
				Encoding:   icerpc.EncodingID{Major: rb.Encoding[0], Minor: rb.Encoding[1]},
				Payload:    icerpc.NewBytesPayloadSource(rb.Payload),
				Connection: c,
			}, nil
		case cause := <-forceCh:
			outcome = cause
			return nil, outcome
		case <-ctx.Done():
			outcome = icerpc.ErrCancelled
			return nil, outcome
		case <-c.closed:
			outcome = icerpc.ErrDisposed
			return nil, outcome
		}
	}

	// Oneway: no request ID and no reply to wait for, but the write itself
	// can still block in consumePayload/waitValidated, so it is registered
	// with the lifecycle under a synthetic key like any other in-flight
	// invocation, or ShutdownAsync could return while one is still blocked.
	key := c.onewayKeys.Add(1) | onewayInvocationTag
	forceCh := make(chan error, 1)
	if err := c.lifecycle.BeginInvocation(key, func(cause error) {
		select {
		case forceCh <- cause:
		default:
		}
	}); err != nil {
		outcome = err
		return nil, outcome
	}
	defer c.lifecycle.EndInvocation(key)

	payload, err := consumePayload(ctx, req.Payload)
	if err != nil {
		outcome = err
		return nil, outcome
	}
	if err := c.waitValidated(ctx); err != nil {
		outcome = err
		return nil, outcome
	}
	body := requestBody{
		RequestID: 0,
		ID:        pathToIdentity(req.Proxy.Path),
		Operation: req.Operation,
		Mode:      modeOf(req),
		Context:   requestContext(req),
		Encoding:  [2]byte{req.Proxy.Encoding.Major, req.Proxy.Encoding.Minor},
		Payload:   payload,
	}
	if err := c.send(FrameRequest, encodeRequestBody(body)); err != nil {
		outcome = icerpc.NewError(icerpc.KindTransportFailure, "failed to write request", err)
		return nil, outcome
	}
	req.MarkDispatched()
	return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess, Connection: c}, nil
}

func modeOf(req *icerpc.OutgoingRequest) mode {
	if req.Idempotent {
		return modeIdempotent
	}
	return modeNormal
}

func requestContext(req *icerpc.OutgoingRequest) map[string]string {
	if v, ok := req.Features[icerpc.FeatureContext]; ok {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return nil
}

// AcceptRequests implements spec §4.2's dispatch side: it drains requestsCh
// (filled by readLoop) and dispatches each request concurrently, bounded by
// the configured semaphore. It returns when the connection closes, the
// transport fails, or ctx is cancelled.
func (c *Connection) AcceptRequests(ctx context.Context, dispatcher icerpc.Dispatcher) error {
	g, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case rq, ok := <-c.requestsCh:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				return c.handleRequest(gctx, dispatcher, rq)
			})
		case <-c.closed:
			return g.Wait()
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		}
	}
}

func (c *Connection) handleRequest(ctx context.Context, dispatcher icerpc.Dispatcher, rq requestBody) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer c.sem.Release(1)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.lifecycle.BeginDispatch(uint64(uint32(rq.RequestID))|dispatchIDTag, cancel); err != nil {
		c.opts.Logger.Debug("dropping request accepted after shutdown began", zap.Stringer("connection", c.id), zap.Int32("requestID", rq.RequestID))
		return nil
	}
	defer c.lifecycle.EndDispatch(uint64(uint32(rq.RequestID)) | dispatchIDTag)

	payloadSrc := icerpc.NewBytesPayloadSource(rq.Payload)
	owned := icerpc.Own(payloadSrc)
	var payloadErr error
	defer owned.Release(&payloadErr)

	incoming := &icerpc.IncomingRequest{
		Path:       identityToPath(rq.ID),
		Operation:  rq.Operation,
		Idempotent: rq.Mode != modeNormal,
		Payload:    payloadSrc,
		Connection: c,
	}

	resp, err := dispatcher.DispatchAsync(dispatchCtx, incoming)
	if err != nil {
		resp = icerpc.MapDispatchError(err)
	}

	respOwned := icerpc.Own(resp.Payload)
	var respErr error
	defer respOwned.Release(&respErr)

	respBytes, perr := consumePayload(ctx, resp.Payload)
	if perr != nil {
		respErr = perr
		c.opts.Logger.Error("dropping reply whose response payload failed", zap.Stringer("connection", c.id), zap.Int32("requestID", rq.RequestID), zap.Error(perr))
		return nil
	}

	if rq.RequestID == 0 {
		return nil // oneway: no reply
	}
	status := replyOK
	if resp.ResultType == icerpc.ResultFailure {
		status = replyFailure
	}
	rb := replyBody{RequestID: rq.RequestID, Status: status, Encoding: [2]byte{resp.Encoding.Major, resp.Encoding.Minor}, Payload: respBytes}
	if err := c.send(FrameReply, encodeReplyBody(rb)); err != nil {
		return icerpc.NewError(icerpc.KindTransportFailure, "failed to write reply", err)
	}
	return nil
}

// dispatchIDTag distinguishes dispatch keys from invocation keys in the
// shared Lifecycle registries; both are keyed by the same 32-bit ice
// request ID space, so without a tag a client-initiated invocation and a
// concurrently accepted dispatch sharing an ID would collide.
const dispatchIDTag = uint64(1) << 32

// onewayInvocationTag distinguishes oneway invocation keys from twoway ones
// in the shared invocation registry; oneway requests carry no request ID
// (always 0 on the wire), so each needs a synthetic unique key instead, or
// concurrent oneway sends would collide on the same Lifecycle entry.
const onewayInvocationTag = uint64(1) << 33

// ShutdownAsync implements spec §4.7: stop accepting new dispatches/
// invocations, drain in-flight ones (or force-fail them if ctx is
// cancelled first), send CloseConnection, and close the transport.
func (c *Connection) ShutdownAsync(ctx context.Context, reason string) error {
	if !c.lifecycle.BeginShutdown() {
		return nil
	}
	_ = c.lifecycle.Drain(ctx)
	c.closeOnce.Do(func() {
		_ = c.send(FrameCloseConnection, nil)
		c.lifecycle.Close()
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

// Dispose implements spec §4.7's hard-abort path: force-fail everything
// immediately and close the transport without waiting for drain.
func (c *Connection) Dispose(cause error) {
	if cause == nil {
		cause = icerpc.ErrDisposed
	}
	c.lifecycle.Abort(cause)
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send writes one frame under the write-serialization lock required because
// ice multiplexes every outgoing Request/Reply/Close over one shared stream.
func (c *Connection) send(t FrameType, body []byte) error {
	if c.peerClosed.Load() {
		return icerpc.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, t, body)
}

func (c *Connection) waitValidated(ctx context.Context) error {
	select {
	case <-c.validatedCh:
		return c.validateErr
	case <-ctx.Done():
		return icerpc.ErrCancelled
	case <-c.closed:
		return icerpc.ErrDisposed
	}
}

func (c *Connection) registerWaiter(id int32) chan replyBody {
	ch := make(chan replyBody, 1)
	c.waitersMu.Lock()
	c.waiters[id] = ch
	c.waitersMu.Unlock()
	return ch
}

func (c *Connection) unregisterWaiter(id int32) {
	c.waitersMu.Lock()
	delete(c.waiters, id)
	c.waitersMu.Unlock()
}

// readLoop is the single reader of conn: it demultiplexes every frame,
// delivering Reply frames to their waiter and Request frames to
// requestsCh, per spec §4.2. It owns the connection's only read, so a
// client that never calls AcceptRequests still sees its own Replies.
func (c *Connection) readLoop() {
	for {
		frameType, body, err := readFrame(c.conn)
		if err != nil {
			if !c.isClosed() {
				c.opts.Logger.Debug("connection read failed", zap.Stringer("connection", c.id), zap.Error(err))
				c.Dispose(icerpc.NewError(icerpc.KindTransportFailure, "connection read failed", err))
			}
			return
		}
		switch frameType {
		case FrameValidateConn:
			select {
			case <-c.validatedCh:
			default:
				close(c.validatedCh)
			}
		case FrameReply:
			rb, err := decodeReplyBody(body)
			if err != nil {
				c.Dispose(icerpc.NewError(icerpc.KindProtocolFailure, "malformed reply frame", err))
				return
			}
			c.deliverReply(rb)
		case FrameRequest:
			rq, err := decodeRequestBody(body)
			if err != nil {
				c.Dispose(icerpc.NewError(icerpc.KindProtocolFailure, "malformed request frame", err))
				return
			}
			select {
			case c.requestsCh <- rq:
			case <-c.closed:
				return
			}
		case FrameRequestBatch:
			c.opts.Logger.Debug("ignoring RequestBatch frame (send-only elsewhere, never produced here)", zap.Stringer("connection", c.id))
		case FrameCloseConnection:
			c.peerClosed.Store(true)
			c.lifecycle.NotifyPeerShutdown("peer sent CloseConnection")
			return
		default:
			c.Dispose(icerpc.NewError(icerpc.KindProtocolFailure, fmt.Sprintf("unknown frame type %d", frameType), nil))
			return
		}
	}
}

func (c *Connection) deliverReply(rb replyBody) {
	c.waitersMu.Lock()
	ch, ok := c.waiters[rb.RequestID]
	c.waitersMu.Unlock()
	if !ok {
		c.opts.Logger.Debug("dropping reply for unknown request id", zap.Stringer("connection", c.id), zap.Int32("requestID", rb.RequestID))
		return
	}
	ch <- rb
}

// consumePayload reads src to end-of-stream and returns its bytes. It does
// not complete src; the caller owns that via Owned.Release, so a read
// failure here still lets the deferred Release report the right cause.
func consumePayload(ctx context.Context, src icerpc.PayloadSource) ([]byte, error) {
	var buf []byte
	for {
		r, err := src.Read(ctx)
		if err != nil {
			return nil, err
		}
		if r.EOF {
			return buf, nil
		}
		buf = append(buf, r.Bytes...)
	}
}

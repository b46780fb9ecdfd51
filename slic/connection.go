package slic

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	icerpc "github.com/icerpc/icerpc-go"
	"github.com/icerpc/icerpc-go/transport"
)

// Connection is the IceRpcProtocolConnection from spec §4.3: one
// multiplexed connection, stream-per-request, with an Initialize fields
// exchange at setup and independent concurrent invocations/dispatches
// thereafter (no shared read loop, unlike ice — each stream carries its
// own request or response end to end).
//
// Grounded on the same x5iu-gorpc shutdown/pending-map shape as the ice
// connection, generalized one step further: instead of one read loop
// demultiplexing by sequence number, each stream IS the demultiplexing
// unit, so Invoke and AcceptRequests each own their own stream's I/O
// directly and only share the Lifecycle coordinator and the write/dispatch
// concurrency cap.
type Connection struct {
	id   uuid.UUID
	mux  transport.Multiplexed
	opts Options

	lifecycle *icerpc.Lifecycle
	sem       *semaphore.Weighted

	peerFieldsMu sync.RWMutex
	peerFields   map[int64][]byte

	closed     chan struct{}
	closeOnce  sync.Once
	peerClosed atomic.Bool
}

// invocationIDTag/dispatchIDTag separate the two Lifecycle registries'
// keyspaces the same way ice's do, in case the transport's stream IDs are
// not partitioned by initiator (spec leaves stream ID allocation to the
// transport).
const (
	invocationIDTag = uint64(1) << 62
	dispatchIDTag   = uint64(1) << 63
)

// PeerFields returns the fields the peer advertised during the Initialize
// exchange, per spec §4.3's PeerFields / scenario 6.
func (c *Connection) PeerFields() map[int64][]byte {
	c.peerFieldsMu.RLock()
	defer c.peerFieldsMu.RUnlock()
	out := make(map[int64][]byte, len(c.peerFields))
	for k, v := range c.peerFields {
		out[k] = v
	}
	return out
}

func newConnection(mux transport.Multiplexed, opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		id:         uuid.New(),
		mux:        mux,
		opts:       opts,
		lifecycle:  icerpc.NewLifecycle(opts.Logger),
		sem:        semaphore.NewWeighted(opts.MaxConcurrentDispatches),
		peerFields: make(map[int64][]byte),
		closed:     make(chan struct{}),
	}
}

// NewClientConnection opens the control stream, sends Initialize, and
// blocks until the peer's InitializeAck (with its fields) arrives.
func NewClientConnection(ctx context.Context, mux transport.Multiplexed, opts Options) (*Connection, error) {
	c := newConnection(mux, opts)
	stream, err := mux.OpenBidirectionalStream(ctx)
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to open control stream", err)
	}
	if err := writeInitFrame(stream, frameInitialize, c.opts.LocalFields); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to write Initialize frame", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to close control stream write side", err)
	}
	_, fields, err := readInitFrame(bufio.NewReader(stream))
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindProtocolFailure, "failed to read InitializeAck frame", err)
	}
	c.peerFields = fields
	return c, nil
}

// NewServerConnection accepts the client's control stream, decodes its
// Initialize frame, and replies with this side's InitializeAck.
func NewServerConnection(ctx context.Context, mux transport.Multiplexed, opts Options) (*Connection, error) {
	c := newConnection(mux, opts)
	stream, err := mux.AcceptStream(ctx)
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to accept control stream", err)
	}
	_, fields, err := readInitFrame(bufio.NewReader(stream))
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindProtocolFailure, "failed to read Initialize frame", err)
	}
	c.peerFields = fields
	if err := writeInitFrame(stream, frameInitializeAck, c.opts.LocalFields); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to write InitializeAck frame", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to close control stream write side", err)
	}
	return c, nil
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

// Invoke implements spec §4.3's client-side algorithm: open a stream,
// write the header, stream the payload through the decorator chain and
// then the payload-stream (if any) undecorated, half-close, and for twoway
// requests race the response against cancellation/shutdown/dispose.
func (c *Connection) Invoke(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
	owned := icerpc.Own(req.Payload)
	var outcome error
	defer owned.Release(&outcome)

	if c.lifecycle.State() != icerpc.StateActive || c.peerClosed.Load() {
		outcome = icerpc.ErrConnectionClosed
		return nil, outcome
	}

	var stream transport.Stream
	var err error
	if req.Oneway {
		stream, err = c.mux.OpenUnidirectionalStream(ctx)
	} else {
		stream, err = c.mux.OpenBidirectionalStream(ctx)
	}
	if err != nil {
		outcome = icerpc.NewError(icerpc.KindTransportFailure, "failed to open stream", err)
		return nil, outcome
	}

	// Registered as soon as the stream exists, before any step that can
	// block (header/payload writes, CloseWrite), so a oneway send blocked
	// mid-flight is visible to HasInvocationsInProgress/ShutdownAsync just
	// like a twoway one; the key survives past this block for the twoway
	// response-wait below.
	key := stream.ID() | invocationIDTag
	forceCh := make(chan error, 1)
	if err := c.lifecycle.BeginInvocation(key, func(cause error) {
		select {
		case forceCh <- cause:
		default:
		}
	}); err != nil {
		outcome = err
		_ = stream.Reset(0)
		return nil, outcome
	}
	defer c.lifecycle.EndInvocation(key)

	deadline := int64(-1)
	if !req.Deadline.IsZero() {
		deadline = req.Deadline.UnixMilli()
	}
	header, err := encodeRequestHeader(req.Proxy.Path, req.Operation, req.Idempotent, req.Oneway, deadline, withContextField(req))
	if err != nil {
		outcome = icerpc.NewError(icerpc.KindInvalidArgument, "failed to encode request header", err)
		_ = stream.Reset(0)
		return nil, outcome
	}
	if err := writeLengthPrefixed(stream, header); err != nil {
		outcome = icerpc.NewError(icerpc.KindTransportFailure, "failed to write request header", err)
		_ = stream.Reset(0)
		return nil, outcome
	}

	sink := decorate(icerpc.NewPayloadSink(stream), req.PayloadWriterDecorators)
	if err := icerpc.CopyToSink(ctx, sink, req.Payload); err != nil {
		sink.Complete(err)
		outcome = err
		_ = stream.Reset(0)
		return nil, outcome
	}
	sink.Complete(nil)

	if req.PayloadStream != nil {
		streamSink := icerpc.NewPayloadSink(stream)
		if err := icerpc.CopyToSink(ctx, streamSink, req.PayloadStream); err != nil {
			streamSink.Complete(err)
			outcome = err
			_ = stream.Reset(0)
			return nil, outcome
		}
		streamSink.Complete(nil)
	}

	if err := stream.CloseWrite(); err != nil {
		outcome = icerpc.NewError(icerpc.KindTransportFailure, "failed to close stream write side", err)
		return nil, outcome
	}
	req.MarkDispatched()

	if req.Oneway {
		return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess, Connection: c}, nil
	}

	type result struct {
		resp *icerpc.IncomingResponse
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := readResponse(stream, c)
		resultCh <- result{resp, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			outcome = res.err
			return nil, outcome
		}
		return res.resp, nil
	case cause := <-forceCh:
		outcome = cause
		_ = stream.Reset(0)
		return nil, outcome
	case <-ctx.Done():
		outcome = icerpc.ErrCancelled
		_ = stream.Reset(0)
		return nil, outcome
	case <-c.closed:
		outcome = icerpc.ErrDisposed
		_ = stream.Reset(0)
		return nil, outcome
	}
}

func withContextField(req *icerpc.OutgoingRequest) map[int64]icerpc.FieldEncoder {
	out := make(map[int64]icerpc.FieldEncoder, len(req.Fields)+1)
	for k, v := range req.Fields {
		out[k] = v
	}
	if v, ok := req.Features[icerpc.FeatureContext]; ok {
		if m, ok := v.(map[string]string); ok && len(m) > 0 {
			out[icerpc.FieldContext] = icerpc.StaticField(encodeContextMap(m))
		}
	}
	return out
}

func decorate(sink icerpc.PayloadSink, decorators []icerpc.PayloadSinkDecorator) icerpc.PayloadSink {
	for _, d := range decorators {
		sink = d(sink)
	}
	return sink
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func readResponse(stream transport.Stream, c *Connection) (*icerpc.IncomingResponse, error) {
	r := bufio.NewReader(stream)
	hlen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to read response header length", err)
	}
	hdrBytes := make([]byte, hlen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to read response header", err)
	}
	rh, err := decodeResponseHeader(hdrBytes)
	if err != nil {
		return nil, icerpc.NewError(icerpc.KindProtocolFailure, "malformed response header", err)
	}
	payload := make([]byte, rh.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed to read response payload", err)
	}
	return &icerpc.IncomingResponse{
		ResultType: rh.ResultType,
		Encoding:   rh.Encoding,
		Fields:     rh.Fields,
		Payload:    icerpc.NewBytesPayloadSource(payload),
		Connection: c,
	}, nil
}

// AcceptRequests implements spec §4.3's dispatch side: accept a new stream
// per request and dispatch each concurrently, bounded by the configured
// semaphore.
func (c *Connection) AcceptRequests(ctx context.Context, dispatcher icerpc.Dispatcher) error {
	g, gctx := errgroup.WithContext(ctx)
	for {
		stream, err := c.mux.AcceptStream(ctx)
		if err != nil {
			if err == io.EOF {
				c.peerClosed.Store(true)
				c.lifecycle.NotifyPeerShutdown("peer closed connection")
				return g.Wait()
			}
			if c.isClosed() {
				return g.Wait()
			}
			_ = g.Wait()
			return icerpc.NewError(icerpc.KindTransportFailure, "failed to accept stream", err)
		}
		g.Go(func() error {
			return c.handleStream(gctx, dispatcher, stream)
		})
	}
}

func (c *Connection) handleStream(ctx context.Context, dispatcher icerpc.Dispatcher, stream transport.Stream) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer c.sem.Release(1)

	r := bufio.NewReader(stream)
	hlen, err := binary.ReadUvarint(r)
	if err != nil {
		_ = stream.Reset(0)
		return nil
	}
	hdrBytes := make([]byte, hlen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		_ = stream.Reset(0)
		return nil
	}
	hdr, err := decodeRequestHeader(hdrBytes)
	if err != nil {
		c.opts.Logger.Debug("dropping stream with malformed request header", zap.Stringer("connection", c.id), zap.Error(err))
		_ = stream.Reset(0)
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := stream.ID() | dispatchIDTag
	if err := c.lifecycle.BeginDispatch(key, cancel); err != nil {
		_ = stream.Reset(0)
		return nil
	}
	defer c.lifecycle.EndDispatch(key)

	payloadSrc := icerpc.NewPayloadSource(r)
	owned := icerpc.Own(payloadSrc)
	var payloadErr error
	defer owned.Release(&payloadErr)

	deadline := icerpc.Never
	if hdr.Deadline >= 0 {
		deadline = time.UnixMilli(hdr.Deadline)
	}

	incoming := &icerpc.IncomingRequest{
		Path:       hdr.Path,
		Operation:  hdr.Operation,
		Idempotent: hdr.Idempotent,
		Deadline:   deadline,
		Fields:     hdr.Fields,
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
		c.opts.Logger.Error("dropping reply whose response payload failed", zap.Stringer("connection", c.id), zap.Uint64("streamID", stream.ID()), zap.Error(perr))
		return nil
	}

	if hdr.Oneway {
		return nil
	}

	respHeader, err := encodeResponseHeader(resp.ResultType, resp.Encoding, resp.Fields, len(respBytes))
	if err != nil {
		return icerpc.NewError(icerpc.KindTransportFailure, "failed to encode response header", err)
	}
	if err := writeLengthPrefixed(stream, respHeader); err != nil {
		return icerpc.NewError(icerpc.KindTransportFailure, "failed to write response header", err)
	}
	if len(respBytes) > 0 {
		if _, err := stream.Write(respBytes); err != nil {
			return icerpc.NewError(icerpc.KindTransportFailure, "failed to write response payload", err)
		}
	}
	if err := stream.CloseWrite(); err != nil {
		return icerpc.NewError(icerpc.KindTransportFailure, "failed to close stream write side", err)
	}
	return nil
}

// ShutdownAsync implements spec §4.7 for the multiplexed protocol: drain,
// then close the transport. icerpc's "graceful stream-close" is simply
// closing the underlying Multiplexed connection once drained — there is no
// separate close frame to send at this layer (Slic's own Close frame is
// the transport's concern).
func (c *Connection) ShutdownAsync(ctx context.Context, reason string) error {
	if !c.lifecycle.BeginShutdown() {
		return nil
	}
	_ = c.lifecycle.Drain(ctx)
	c.closeOnce.Do(func() {
		c.lifecycle.Close()
		close(c.closed)
		_ = c.mux.Close()
	})
	return nil
}

// Dispose implements spec §4.7's hard-abort path.
func (c *Connection) Dispose(cause error) {
	if cause == nil {
		cause = icerpc.ErrDisposed
	}
	c.lifecycle.Abort(cause)
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.mux.Close()
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

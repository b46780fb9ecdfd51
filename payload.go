package icerpc

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// ReadResult is the outcome of one PayloadSource.Read call: either more
// bytes, end-of-stream, or (via the returned error) a failure.
type ReadResult struct {
	Bytes []byte
	EOF   bool
}

// PayloadSource is a lazy, single-consumer, possibly-empty, possibly-
// infinite byte sequence. Exactly one of its owners calls Complete, exactly
// once, with the final outcome; readers that merely observe end-of-stream
// MUST still call Complete(nil) themselves if they are also the owner, per
// spec §4.1. Reading after Complete has been called fails deterministically.
type PayloadSource interface {
	// Read returns the next chunk of bytes, or EOF=true with no error when
	// the source is exhausted. ctx bounds the wait, not the ownership.
	Read(ctx context.Context) (ReadResult, error)

	// Complete resolves the outcome. The first call wins; later calls are
	// no-ops. cause == nil means success.
	Complete(cause error)

	// Completed is closed exactly once, after the first Complete call.
	Completed() <-chan struct{}

	// Err returns the outcome cause after Completed() is closed; nil means
	// success. Calling Err before Completed() is closed returns nil.
	Err() error
}

// PayloadSink is the write-side dual of PayloadSource: bytes flow into the
// wire (framed for ice, streamed for icerpc) instead of out of it.
type PayloadSink interface {
	// Write sends p to the wire. It may block on backpressure.
	Write(ctx context.Context, p []byte) error

	// Complete resolves the outcome, same contract as PayloadSource.Complete.
	Complete(cause error)

	// Completed is closed exactly once, after the first Complete call.
	Completed() <-chan struct{}

	// Err returns the outcome cause after Completed() is closed.
	Err() error
}

// outcome is the shared exactly-once-resolution primitive backing both the
// default PayloadSource and PayloadSink implementations below.
type outcome struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) Complete(cause error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.cause = cause
		o.mu.Unlock()
		close(o.done)
	})
}

func (o *outcome) Completed() <-chan struct{} { return o.done }

func (o *outcome) Err() error {
	select {
	case <-o.done:
	default:
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cause
}

func (o *outcome) isDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

var errPayloadCompleted = NewError(KindInvalidArgument, "read after payload source was completed", nil)

// readerPayloadSource adapts an io.Reader into a PayloadSource.
type readerPayloadSource struct {
	*outcome
	mu  sync.Mutex
	r   io.Reader
	buf []byte
}

// NewPayloadSource wraps an io.Reader as a PayloadSource. Each Read call
// pulls up to the internal buffer size from r.
func NewPayloadSource(r io.Reader) PayloadSource {
	return &readerPayloadSource{outcome: newOutcome(), r: r, buf: make([]byte, 32*1024)}
}

// NewBytesPayloadSource returns a PayloadSource that yields b exactly once
// and then signals end-of-stream.
func NewBytesPayloadSource(b []byte) PayloadSource {
	return NewPayloadSource(bytes.NewReader(b))
}

// EmptyPayloadSource returns a PayloadSource that is immediately at
// end-of-stream.
func EmptyPayloadSource() PayloadSource { return NewBytesPayloadSource(nil) }

func (p *readerPayloadSource) Read(ctx context.Context) (ReadResult, error) {
	if p.isDone() {
		return ReadResult{}, errPayloadCompleted
	}
	if err := ctx.Err(); err != nil {
		return ReadResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.r.Read(p.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p.buf[:n])
		return ReadResult{Bytes: chunk}, nil
	}
	if err == io.EOF || err == nil {
		return ReadResult{EOF: true}, nil
	}
	return ReadResult{}, err
}

// PayloadSourceFunc adapts a pull function into a PayloadSource for callers
// that already produce chunks rather than owning an io.Reader.
type PayloadSourceFunc struct {
	*outcome
	Next func(ctx context.Context) (ReadResult, error)
}

// NewPayloadSourceFunc builds a PayloadSource from a pull function.
func NewPayloadSourceFunc(next func(ctx context.Context) (ReadResult, error)) PayloadSource {
	return &PayloadSourceFunc{outcome: newOutcome(), Next: next}
}

func (p *PayloadSourceFunc) Read(ctx context.Context) (ReadResult, error) {
	if p.isDone() {
		return ReadResult{}, errPayloadCompleted
	}
	return p.Next(ctx)
}

// Owned is the scoped-owner guard from spec §9: whoever takes ownership of
// a PayloadSource (the connection, for the duration of one Invoke/Dispatch)
// wraps it in Owned and defers Release on every exit path. Release is a
// no-op once the payload has already been completed by the normal code
// path, so "defer owned.Release(&cause)" is safe to pair with an explicit
// Complete call earlier in the same function.
type Owned struct {
	Source PayloadSource
}

// Own begins ownership of p.
func Own(p PayloadSource) Owned { return Owned{Source: p} }

// Release completes the owned payload with *cause if it has not already
// been completed. Intended to be deferred with a pointer to the function's
// named error return, e.g. `defer func() { owned.Release(&err) }()`.
func (o Owned) Release(cause *error) {
	if o.Source == nil {
		return
	}
	var c error
	if cause != nil {
		c = *cause
	}
	o.Source.Complete(c)
}

// writerPayloadSink is the default PayloadSink: bytes are forwarded to an
// underlying io.Writer (the wire) as Write is called.
type writerPayloadSink struct {
	*outcome
	mu sync.Mutex
	w  io.Writer
}

// NewPayloadSink wraps an io.Writer as a PayloadSink.
func NewPayloadSink(w io.Writer) PayloadSink {
	return &writerPayloadSink{outcome: newOutcome(), w: w}
}

func (s *writerPayloadSink) Write(ctx context.Context, p []byte) error {
	if s.isDone() {
		return errPayloadCompleted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(p)
	return err
}

// PayloadSinkDecorator wraps a PayloadSink, e.g. to compress outgoing
// bytes. Decorators must eventually complete their own Completed() future;
// spec §9 leaves the actual compressor as an external hook.
type PayloadSinkDecorator func(PayloadSink) PayloadSink

// Drain fully consumes src, discarding bytes, and completes it with the
// returned error (nil on clean end-of-stream). Used when a payload must be
// read to completion but its bytes are not needed, e.g. draining a losing
// race between cancellation and a successful write.
func Drain(ctx context.Context, src PayloadSource) error {
	for {
		r, err := src.Read(ctx)
		if err != nil {
			src.Complete(err)
			return err
		}
		if r.EOF {
			src.Complete(nil)
			return nil
		}
	}
}

// CopyToSink copies src to dst until end-of-stream or error, completing
// src with the terminal outcome but leaving dst's completion to the caller
// since dst may be shared across the main payload and a payload stream.
func CopyToSink(ctx context.Context, dst PayloadSink, src PayloadSource) error {
	for {
		r, err := src.Read(ctx)
		if err != nil {
			src.Complete(err)
			return err
		}
		if r.EOF {
			src.Complete(nil)
			return nil
		}
		if len(r.Bytes) == 0 {
			continue
		}
		if err := dst.Write(ctx, r.Bytes); err != nil {
			src.Complete(err)
			return err
		}
	}
}

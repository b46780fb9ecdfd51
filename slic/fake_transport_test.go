package slic

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/icerpc/icerpc-go/transport"
)

// fakeStream is an in-memory transport.Stream backed by two independent
// io.Pipe halves, so CloseWrite on one side only EOFs the corresponding
// reader on the other side without breaking the return path — the
// half-close semantics real multiplexed transports (and our Connection)
// depend on.
type fakeStream struct {
	id uint64
	r  *io.PipeReader
	w  *io.PipeWriter
}

func newStreamPair(id uint64) (local, remote *fakeStream) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	local = &fakeStream{id: id, r: br, w: aw}
	remote = &fakeStream{id: id, r: ar, w: bw}
	return local, remote
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *fakeStream) ID() uint64                  { return s.id }
func (s *fakeStream) CloseWrite() error           { return s.w.Close() }
func (s *fakeStream) Reset(code uint64) error {
	_ = s.w.CloseWithError(io.ErrClosedPipe)
	_ = s.r.CloseWithError(io.ErrClosedPipe)
	return nil
}

var _ transport.Stream = (*fakeStream)(nil)

// fakeMultiplexed is an in-memory transport.Multiplexed. newMultiplexedPair
// returns two ends that talk to each other without any real transport.
type fakeMultiplexed struct {
	nextID   *uint64
	openCh   chan *fakeStream
	acceptCh chan *fakeStream
	closed   chan struct{}
	closeOnce *sync.Once
}

func newMultiplexedPair() (transport.Multiplexed, transport.Multiplexed) {
	aToB := make(chan *fakeStream, 16)
	bToA := make(chan *fakeStream, 16)
	closed := make(chan struct{})
	once := &sync.Once{}
	counter := new(uint64)
	a := &fakeMultiplexed{nextID: counter, openCh: aToB, acceptCh: bToA, closed: closed, closeOnce: once}
	b := &fakeMultiplexed{nextID: counter, openCh: bToA, acceptCh: aToB, closed: closed, closeOnce: once}
	return a, b
}

func (m *fakeMultiplexed) open(ctx context.Context) (transport.Stream, error) {
	id := atomic.AddUint64(m.nextID, 1)
	local, remote := newStreamPair(id)
	select {
	case m.openCh <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.ErrClosedPipe
	}
}

func (m *fakeMultiplexed) OpenBidirectionalStream(ctx context.Context) (transport.Stream, error) {
	return m.open(ctx)
}

func (m *fakeMultiplexed) OpenUnidirectionalStream(ctx context.Context) (transport.Stream, error) {
	return m.open(ctx)
}

func (m *fakeMultiplexed) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-m.acceptCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *fakeMultiplexed) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

var _ transport.Multiplexed = (*fakeMultiplexed)(nil)

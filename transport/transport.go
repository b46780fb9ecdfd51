// Package transport defines the interfaces the protocol-connection core
// needs from an underlying transport, without implementing one. Per
// spec.md §1, actual transport implementations (TCP/UDP/Slic bytes on the
// wire, TLS configuration) are external collaborators specified only at
// this interface.
package transport

import (
	"context"
	"io"
)

// Duplex is a single ordered, reliable byte stream: what the legacy ice
// protocol multiplexes all requests and replies over.
type Duplex interface {
	io.Reader
	io.Writer
	io.Closer
}

// Stream is one independent bidirectional (or, for the unidirectional half
// of a oneway request, write-only) channel inside a Multiplexed
// connection — one per icerpc request, per spec.md's glossary.
type Stream interface {
	io.Reader
	io.Writer

	// ID is the transport-assigned stream identifier.
	ID() uint64

	// CloseWrite half-closes the write side, signalling end-of-stream to
	// the peer without resetting the stream.
	CloseWrite() error

	// Reset aborts the stream with an application-supplied code, used on
	// cancellation and protocol errors.
	Reset(code uint64) error
}

// Multiplexed is the Slic-like transport the icerpc protocol runs on: it
// exposes stream accept/open and nothing else, per spec.md §4.3.
type Multiplexed interface {
	// AcceptStream blocks until the peer opens a new stream. It returns
	// io.EOF if the peer closed the connection gracefully (the Slic Close
	// frame), distinct from any other error, which callers treat as a
	// transport failure.
	AcceptStream(ctx context.Context) (Stream, error)

	// OpenBidirectionalStream opens a new stream for a twoway request.
	OpenBidirectionalStream(ctx context.Context) (Stream, error)

	// OpenUnidirectionalStream opens a new stream for a oneway request.
	OpenUnidirectionalStream(ctx context.Context) (Stream, error)

	io.Closer
}

package icerpc

import (
	"fmt"
	"strings"
)

// ProtocolID identifies one of the two wire protocols a Proxy targets.
type ProtocolID int

const (
	ProtocolIce ProtocolID = iota
	ProtocolIceRPC
)

func (p ProtocolID) String() string {
	if p == ProtocolIce {
		return "ice"
	}
	return "icerpc"
}

// EncodingID identifies the payload encoding a Proxy advertises. The core
// never interprets the encoded bytes; it only forwards the tag.
type EncodingID struct {
	Major byte
	Minor byte
}

var Encoding11 = EncodingID{Major: 1, Minor: 1}
var Encoding20 = EncodingID{Major: 2, Minor: 0}

// Proxy is an immutable target descriptor: protocol, absolute path, an
// optional primary endpoint, an ordered list of alternates, a payload
// encoding, and an optional bound connection override.
type Proxy struct {
	Protocol        ProtocolID
	Path            string
	Endpoint        *Endpoint
	AltEndpoints    []Endpoint
	Encoding        EncodingID
	BoundConnection ProtocolConnection
}

// NewProxy validates path and builds a Proxy. path must be non-empty and
// start with "/".
func NewProxy(protocol ProtocolID, path string) (*Proxy, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return &Proxy{Protocol: protocol, Path: path}, nil
}

// ValidatePath enforces the path grammar from spec §6.3: non-empty,
// "/"-prefixed, "/"-delimited segments.
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return NewError(KindInvalidArgument, fmt.Sprintf("invalid path %q: must be non-empty and start with '/'", path), nil)
	}
	return nil
}

// NormalizePrefix trims a trailing "/" from prefix, except for the root
// prefix "/" itself, per spec §4.4/§6.3.
func NormalizePrefix(prefix string) string {
	if prefix == "/" || prefix == "" {
		return "/"
	}
	if trimmed := strings.TrimRight(prefix, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}

// WithPath returns a copy of the proxy targeting a different path.
func (p *Proxy) WithPath(path string) (*Proxy, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	clone := *p
	clone.Path = path
	return &clone, nil
}

// Package ice implements the legacy single-stream framed protocol
// (protocol tag "ice" in spec.md): sequential framing over one byte stream,
// monotonically increasing request IDs, a ValidateConnection handshake, and
// a CloseConnection frame for graceful shutdown. See spec.md §4.2/§6.1.
package ice

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType is the one-byte frame-type field of the 14-byte ice header,
// per spec §6.1.
type FrameType byte

const (
	FrameRequest          FrameType = 0
	FrameRequestBatch     FrameType = 1
	FrameReply            FrameType = 2
	FrameValidateConn     FrameType = 3
	FrameCloseConnection  FrameType = 4
)

// Magic is the 4-byte magic number every ice frame header begins with.
var Magic = [4]byte{'I', 'C', 'E', 'P'}

// ProtocolMajor/ProtocolMinor and EncodingMajor/EncodingMinor are the
// versions this implementation speaks and writes into every header.
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
	EncodingMajor = 1
	EncodingMinor = 1
)

// headerSize is the fixed 14-byte ice frame header size, per spec §6.1:
// magic(4) + protocol major/minor(2) + encoding major/minor(2) +
// frame-type(1) + compression-status(1) + size(4 LE).
const headerSize = 14

// CompressionNone is the only compression-status value this core writes;
// spec §9 leaves the actual compressor as an external hook, so the core
// only ever declares "not compressed".
const CompressionNone byte = 0

// header is the decoded 14-byte ice frame header.
type header struct {
	FrameType   FrameType
	Compression byte
	Size        uint32 // total frame size, header included
}

func writeHeader(w io.Writer, frameType FrameType, bodySize int) error {
	var buf [headerSize]byte
	copy(buf[0:4], Magic[:])
	buf[4] = ProtocolMajor
	buf[5] = ProtocolMinor
	buf[6] = EncodingMajor
	buf[7] = EncodingMinor
	buf[8] = byte(frameType)
	buf[9] = CompressionNone
	binary.LittleEndian.PutUint32(buf[10:14], uint32(headerSize+bodySize))
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, err
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return header{}, fmt.Errorf("ice: bad magic number")
	}
	size := binary.LittleEndian.Uint32(buf[10:14])
	if size < headerSize {
		return header{}, fmt.Errorf("ice: invalid frame size %d", size)
	}
	return header{FrameType: FrameType(buf[8]), Compression: buf[9], Size: size}, nil
}

// readFrame reads one full frame (header + body) and returns its type and
// raw body bytes.
func readFrame(r io.Reader) (FrameType, []byte, error) {
	h, err := readHeader(r)
	if err != nil {
		return 0, nil, err
	}
	bodySize := int(h.Size) - headerSize
	body := make([]byte, bodySize)
	if bodySize > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return h.FrameType, body, nil
}

// writeFrame writes one full frame (header + body).
func writeFrame(w io.Writer, frameType FrameType, body []byte) error {
	if err := writeHeader(w, frameType, len(body)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// --- body encoding helpers: varuint-prefixed strings and dict<string,string> ---

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return "", nil, fmt.Errorf("ice: malformed string length")
	}
	b = b[k:]
	if uint64(len(b)) < n {
		return "", nil, fmt.Errorf("ice: string length exceeds buffer")
	}
	return string(b[:n]), b[n:], nil
}

func appendStringSeq(buf []byte, seq []string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(seq)))
	for _, s := range seq {
		buf = appendString(buf, s)
	}
	return buf
}

func readStringSeq(b []byte) ([]string, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, nil, fmt.Errorf("ice: malformed string sequence length")
	}
	b = b[k:]
	out := make([]string, n)
	for i := range out {
		s, rest, err := readString(b)
		if err != nil {
			return nil, nil, err
		}
		out[i] = s
		b = rest
	}
	return out, b, nil
}

func appendContext(buf []byte, ctx map[string]string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(ctx)))
	keys := sortedStringKeys(ctx)
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, ctx[k])
	}
	return buf
}

func readContext(b []byte) (map[string]string, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, nil, fmt.Errorf("ice: malformed context length")
	}
	b = b[k:]
	out := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		key, rest, err := readString(b)
		if err != nil {
			return nil, nil, err
		}
		b = rest
		val, rest2, err := readString(b)
		if err != nil {
			return nil, nil, err
		}
		b = rest2
		out[key] = val
	}
	return out, b, nil
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

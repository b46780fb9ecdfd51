// Package slic implements IceRpcProtocolConnection, the multiplexed
// stream-per-request protocol (protocol tag "icerpc" in spec.md), on top
// of a transport.Multiplexed. See spec.md §4.3/§6.2.
//
// Slic's own stream-multiplexing frames (Stream/StreamLast/StreamReset/
// Ping/Pong/Close) are the underlying transport's concern — spec.md §1
// puts "Slic bytes on the wire" out of scope — so this package only
// implements the application-level framing that rides on top of the
// transport.Stream/transport.Multiplexed interfaces: the Initialize
// fields exchange and the per-stream request/response header codec.
package slic

import (
	"bufio"
	"encoding/binary"
	"io"

	icerpc "github.com/icerpc/icerpc-go"
)

// initFrameType distinguishes the two roles in the Initialize exchange;
// both carry the same fields-map payload (spec §4.3: "both peers send an
// Initialize frame carrying a fields map").
type initFrameType byte

const (
	frameInitialize    initFrameType = 0
	frameInitializeAck initFrameType = 1
)

func writeInitFrame(w io.Writer, t initFrameType, fields map[int64]icerpc.FieldEncoder) error {
	body, err := icerpc.EncodeFields(fields)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(body)+10)
	buf = append(buf, byte(t))
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

func readInitFrame(r *bufio.Reader) (initFrameType, map[int64][]byte, error) {
	tb, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	fields, err := icerpc.DecodeFields(body)
	if err != nil {
		return 0, nil, err
	}
	return initFrameType(tb), fields, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeContextMap serializes the auto-populated request Context
// (FieldContext's value bytes) as a plain dict<string,string>, mirroring
// the ice protocol's context wire shape (spec §6.1) since spec §6.2 does
// not redefine it for icerpc beyond "auto-populated Context from features".
func encodeContextMap(m map[string]string) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, m[k])
	}
	return buf
}

package slic

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	icerpc "github.com/icerpc/icerpc-go"
)

// requestHeader is the decoded per-stream request header from spec §6.2:
// path + operation + idempotent + priority(reserved) + deadline + fields.
// oneway is not named in spec's header field list but must be carried
// somewhere since transport.Stream does not expose stream directionality
// to the accepting side in this core's transport abstraction; it is
// encoded as part of the header here (see DESIGN.md).
type requestHeader struct {
	Path       string
	Operation  string
	Idempotent bool
	Oneway     bool
	Deadline   int64 // milliseconds since Unix epoch, -1 = never
	Fields     map[int64][]byte
}

func encodeRequestHeader(path, operation string, idempotent, oneway bool, deadline int64, fields map[int64]icerpc.FieldEncoder) ([]byte, error) {
	fieldBytes, err := icerpc.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(path)+len(operation)+len(fieldBytes)+24)
	buf = appendString(buf, path)
	buf = appendString(buf, operation)
	buf = append(buf, boolByte(idempotent), boolByte(oneway), 0 /* priority, reserved */)
	var deadlineBuf [8]byte
	binary.LittleEndian.PutUint64(deadlineBuf[:], uint64(deadline))
	buf = append(buf, deadlineBuf[:]...)
	buf = append(buf, fieldBytes...)
	return buf, nil
}

func decodeRequestHeader(b []byte) (requestHeader, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	path, err := readString(r)
	if err != nil {
		return requestHeader{}, err
	}
	op, err := readString(r)
	if err != nil {
		return requestHeader{}, err
	}
	flags := make([]byte, 3)
	if _, err := io.ReadFull(r, flags); err != nil {
		return requestHeader{}, err
	}
	var deadlineBuf [8]byte
	if _, err := io.ReadFull(r, deadlineBuf[:]); err != nil {
		return requestHeader{}, err
	}
	deadline := int64(binary.LittleEndian.Uint64(deadlineBuf[:]))
	rest, err := io.ReadAll(r)
	if err != nil {
		return requestHeader{}, err
	}
	fields, err := icerpc.DecodeFields(rest)
	if err != nil {
		return requestHeader{}, err
	}
	return requestHeader{
		Path:       path,
		Operation:  op,
		Idempotent: flags[0] != 0,
		Oneway:     flags[1] != 0,
		Deadline:   deadline,
		Fields:     fields,
	}, nil
}

// responseHeader is the decoded per-stream response header, encoded as
// result-type + payload-encoding + payload-size + fields: payload-size is
// written before the fields map, not after it. Unlike the
// request header, the response payload size is known up front because the
// dispatch side fully buffers the response payload before replying (see
// DESIGN.md); that size is what lets a reader know exactly how many bytes
// to pull off the stream before it is free to read a second response on a
// reused stream (this core never reuses streams, but the field is written
// for wire fidelity).
type responseHeader struct {
	ResultType  icerpc.ResultType
	Encoding    icerpc.EncodingID
	Fields      map[int64][]byte
	PayloadSize uint64
}

func encodeResponseHeader(resultType icerpc.ResultType, encoding icerpc.EncodingID, fields map[int64]icerpc.FieldEncoder, payloadSize int) ([]byte, error) {
	fieldBytes, err := icerpc.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(fieldBytes)+16)
	buf = append(buf, byte(resultType), encoding.Major, encoding.Minor)
	buf = binary.AppendUvarint(buf, uint64(payloadSize))
	buf = append(buf, fieldBytes...)
	return buf, nil
}

func decodeResponseHeader(b []byte) (responseHeader, error) {
	if len(b) < 3 {
		return responseHeader{}, icerpc.NewError(icerpc.KindProtocolFailure, "truncated response header", nil)
	}
	resultType := icerpc.ResultType(b[0])
	encoding := icerpc.EncodingID{Major: b[1], Minor: b[2]}
	b = b[3:]
	size, n := binary.Uvarint(b)
	if n <= 0 {
		return responseHeader{}, icerpc.NewError(icerpc.KindProtocolFailure, "malformed response payload size", nil)
	}
	b = b[n:]
	fields, err := icerpc.DecodeFields(b)
	if err != nil {
		return responseHeader{}, err
	}
	return responseHeader{ResultType: resultType, Encoding: encoding, Fields: fields, PayloadSize: size}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

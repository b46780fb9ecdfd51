package ice

import (
	"encoding/binary"
	"fmt"
)

// mode is the one-byte request dispatch mode from spec §6.1.
type mode byte

const (
	modeNormal      mode = 0
	modeNonmutating mode = 1
	modeIdempotent  mode = 2
)

// requestBody is the decoded body of a Request frame.
type requestBody struct {
	RequestID  int32
	ID         identity
	FacetPath  []string
	Operation  string
	Mode       mode
	Context    map[string]string
	Encoding   [2]byte
	Payload    []byte
}

func encodeRequestBody(b requestBody) []byte {
	buf := make([]byte, 0, 64+len(b.Payload))
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(b.RequestID))
	buf = append(buf, idBuf[:]...)
	buf = appendString(buf, b.ID.Name)
	buf = appendString(buf, b.ID.Category)
	buf = appendStringSeq(buf, b.FacetPath)
	buf = appendString(buf, b.Operation)
	buf = append(buf, byte(b.Mode))
	buf = appendContext(buf, b.Context)
	buf = appendEncapsulation(buf, b.Encoding, b.Payload)
	return buf
}

func decodeRequestBody(b []byte) (requestBody, error) {
	if len(b) < 4 {
		return requestBody{}, fmt.Errorf("ice: truncated request id")
	}
	reqID := int32(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	name, b, err := readString(b)
	if err != nil {
		return requestBody{}, err
	}
	category, b, err := readString(b)
	if err != nil {
		return requestBody{}, err
	}
	facets, b, err := readStringSeq(b)
	if err != nil {
		return requestBody{}, err
	}
	op, b, err := readString(b)
	if err != nil {
		return requestBody{}, err
	}
	if len(b) < 1 {
		return requestBody{}, fmt.Errorf("ice: truncated request mode")
	}
	m := mode(b[0])
	b = b[1:]
	ctx, b, err := readContext(b)
	if err != nil {
		return requestBody{}, err
	}
	encoding, payload, _, err := readEncapsulation(b)
	if err != nil {
		return requestBody{}, err
	}
	return requestBody{
		RequestID: reqID,
		ID:        identity{Name: name, Category: category},
		FacetPath: facets,
		Operation: op,
		Mode:      m,
		Context:   ctx,
		Encoding:  encoding,
		Payload:   payload,
	}, nil
}

// replyStatus is the one-byte status field of a Reply frame body. This
// core only ever produces the two outcomes its data model has (success or
// a DispatchFailure, spec §3); richer legacy statuses (ObjectNotExist,
// etc.) are not part of the distilled data model and are treated as
// replyFailure on decode.
type replyStatus byte

const (
	replyOK      replyStatus = 0
	replyFailure replyStatus = 1
)

type replyBody struct {
	RequestID int32
	Status    replyStatus
	Encoding  [2]byte
	Payload   []byte
}

func encodeReplyBody(b replyBody) []byte {
	buf := make([]byte, 0, 16+len(b.Payload))
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(b.RequestID))
	buf = append(buf, idBuf[:]...)
	buf = append(buf, byte(b.Status))
	buf = appendEncapsulation(buf, b.Encoding, b.Payload)
	return buf
}

func decodeReplyBody(b []byte) (replyBody, error) {
	if len(b) < 5 {
		return replyBody{}, fmt.Errorf("ice: truncated reply")
	}
	reqID := int32(binary.LittleEndian.Uint32(b[0:4]))
	status := replyStatus(b[4])
	if status != replyOK {
		status = replyFailure
	}
	encoding, payload, _, err := readEncapsulation(b[5:])
	if err != nil {
		return replyBody{}, err
	}
	return replyBody{RequestID: reqID, Status: status, Encoding: encoding, Payload: payload}, nil
}

// appendEncapsulation writes size(4 LE, header included) + encoding
// major/minor + bytes, matching the classic Ice encapsulation layout named
// in spec §6.1.
func appendEncapsulation(buf []byte, encoding [2]byte, payload []byte) []byte {
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(6+len(payload)))
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, encoding[0], encoding[1])
	return append(buf, payload...)
}

func readEncapsulation(b []byte) (encoding [2]byte, payload []byte, rest []byte, err error) {
	if len(b) < 6 {
		return encoding, nil, nil, fmt.Errorf("ice: truncated encapsulation")
	}
	size := binary.LittleEndian.Uint32(b[0:4])
	if size < 6 || uint64(size) > uint64(len(b)) {
		return encoding, nil, nil, fmt.Errorf("ice: invalid encapsulation size %d", size)
	}
	encoding[0], encoding[1] = b[4], b[5]
	payload = b[6:size]
	rest = b[size:]
	return encoding, payload, rest, nil
}

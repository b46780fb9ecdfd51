package icerpc

import (
	"encoding/binary"
	"fmt"
)

// Recognized field keys shared by both protocols, per spec §4.3/§6.2.
const (
	FieldContext           int64 = 0
	FieldIdempotent        int64 = 1
	FieldCompressionFormat int64 = 2
	FieldMaxHeaderSize     int64 = 0x10
)

// FieldEncoder lazily produces the raw bytes for one field-map entry. It is
// only invoked while the owning OutgoingRequest/OutgoingResponse is being
// encoded onto the wire.
type FieldEncoder func() ([]byte, error)

// maxVarint62 mirrors spec §6.2's "varuint62": Go's binary.Uvarint is
// unbounded, so the 62-bit ceiling is enforced with an explicit check.
const maxVarint62 = 1<<62 - 1

// EncodeFields serializes a field map as dict<varuint, bytes>: a varuint
// count, then for each entry a varuint key followed by a varuint length and
// the raw bytes. Keys are encoded sorted only for determinism in tests;
// the wire format does not require ordering.
func EncodeFields(fields map[int64]FieldEncoder) ([]byte, error) {
	keys := sortedKeys(fields)
	buf := make([]byte, 0, 16*len(keys)+10)
	buf = binary.AppendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		if k < 0 || uint64(k) > maxVarint62 {
			return nil, NewError(KindInvalidArgument, fmt.Sprintf("field key %d out of varuint62 range", k), nil)
		}
		value, err := fields[k]()
		if err != nil {
			return nil, NewError(KindInvalidArgument, fmt.Sprintf("field %d encoder failed", k), err)
		}
		buf = binary.AppendUvarint(buf, uint64(k))
		buf = binary.AppendUvarint(buf, uint64(len(value)))
		buf = append(buf, value...)
	}
	return buf, nil
}

// DecodeFields parses the inverse of EncodeFields. Unknown keys are kept
// verbatim in the returned map so callers (PeerFields) can forward them.
func DecodeFields(b []byte) (map[int64][]byte, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		if len(b) == 0 {
			return map[int64][]byte{}, nil
		}
		return nil, NewError(KindProtocolFailure, "malformed field count", nil)
	}
	b = b[n:]
	out := make(map[int64][]byte, count)
	for i := uint64(0); i < count; i++ {
		key, kn := binary.Uvarint(b)
		if kn <= 0 {
			return nil, NewError(KindProtocolFailure, "malformed field key", nil)
		}
		b = b[kn:]
		size, sn := binary.Uvarint(b)
		if sn <= 0 {
			return nil, NewError(KindProtocolFailure, "malformed field length", nil)
		}
		b = b[sn:]
		if uint64(len(b)) < size {
			return nil, NewError(KindProtocolFailure, "field length exceeds buffer", nil)
		}
		value := make([]byte, size)
		copy(value, b[:size])
		b = b[size:]
		out[int64(key)] = value
	}
	return out, nil
}

func sortedKeys(m map[int64]FieldEncoder) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort: field maps are small (a handful of header
	// entries), so this avoids pulling in sort for a negligible win.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// StaticField returns a FieldEncoder that always yields b, for tests and for
// callers that already have the encoded bytes in hand.
func StaticField(b []byte) FieldEncoder {
	return func() ([]byte, error) { return b, nil }
}

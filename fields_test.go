package icerpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsRoundTrip(t *testing.T) {
	fields := map[int64]FieldEncoder{
		FieldContext:       StaticField([]byte("ctx-bytes")),
		FieldMaxHeaderSize: StaticField([]byte{56}),
		10:                 StaticField([]byte{38}),
	}
	encoded, err := EncodeFields(fields)
	require.NoError(t, err)

	decoded, err := DecodeFields(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, []byte("ctx-bytes"), decoded[FieldContext])
	assert.Equal(t, []byte{56}, decoded[FieldMaxHeaderSize])
	assert.Equal(t, []byte{38}, decoded[10])
}

func TestFieldsEncodeErrorPropagates(t *testing.T) {
	boom := assertErr("invalid request fields")
	fields := map[int64]FieldEncoder{
		1: func() ([]byte, error) { return nil, boom },
	}
	_, err := EncodeFields(fields)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestDecodeFieldsEmpty(t *testing.T) {
	decoded, err := DecodeFields(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }

package ice

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello request body")
	require.NoError(t, writeFrame(&buf, FrameRequest, body))

	frameType, got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, frameType)
	assert.Equal(t, body, got)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, FrameValidateConn, nil))
	corrupted := buf.Bytes()
	corrupted[0] = 'X'
	_, err := readHeader(bytes.NewReader(corrupted))
	assert.Error(t, err)
}

func TestStringSeqRoundTrip(t *testing.T) {
	buf := appendStringSeq(nil, []string{"a", "bb", ""})
	seq, rest, err := readStringSeq(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, []string{"a", "bb", ""}, seq)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := map[string]string{"b": "2", "a": "1", "c": "3"}
	buf := appendContext(nil, ctx)
	got, rest, err := readContext(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ctx, got)
}

func TestEncapsulationRoundTrip(t *testing.T) {
	buf := appendEncapsulation(nil, [2]byte{1, 1}, []byte("payload-bytes"))
	encoding, payload, rest, err := readEncapsulation(buf)
	require.NoError(t, err)
	assert.Equal(t, [2]byte{1, 1}, encoding)
	assert.Equal(t, []byte("payload-bytes"), payload)
	assert.Empty(t, rest)
}

func TestReadEncapsulationRejectsTruncated(t *testing.T) {
	_, _, _, err := readEncapsulation([]byte{1, 2, 3})
	assert.Error(t, err)
}

package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDAllocatorMonotonic(t *testing.T) {
	a := newRequestIDAllocator()
	id1, err := a.allocate()
	require.NoError(t, err)
	id2, err := a.allocate()
	require.NoError(t, err)
	assert.Equal(t, int32(1), id1)
	assert.Equal(t, int32(2), id2)
}

func TestRequestIDAllocatorOverflow(t *testing.T) {
	a := &requestIDAllocator{next: 1<<31 - 1}
	id, err := a.allocate()
	require.NoError(t, err)
	assert.Equal(t, int32(1<<31-1), id)

	_, err = a.allocate()
	assert.ErrorIs(t, err, errRequestIDOverflow)
}

package icerpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleBeginRejectsWhenNotActive(t *testing.T) {
	l := NewLifecycle(nil)
	require.True(t, l.BeginShutdown())
	err := l.BeginInvocation(1, func(error) {})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestLifecycleDrainWaitsForCounters(t *testing.T) {
	l := NewLifecycle(nil)
	require.NoError(t, l.BeginDispatch(1, func() {}))

	drained := make(chan struct{})
	go func() {
		require.True(t, l.BeginShutdown())
		_ = l.Drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before dispatch ended")
	case <-time.After(20 * time.Millisecond):
	}

	l.EndDispatch(1)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not complete after dispatch ended")
	}
}

func TestLifecycleDrainCancelAborts(t *testing.T) {
	l := NewLifecycle(nil)
	var failedWith error
	require.NoError(t, l.BeginInvocation(1, func(err error) { failedWith = err }))
	cancelled := false
	require.NoError(t, l.BeginDispatch(2, func() { cancelled = true }))

	require.True(t, l.BeginShutdown())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Drain(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, failedWith, ErrCancelled)
	assert.True(t, cancelled)
	assert.False(t, l.HasDispatchesInProgress())
	assert.False(t, l.HasInvocationsInProgress())
}

func TestLifecyclePeerShutdownInitiatedCalledOnce(t *testing.T) {
	l := NewLifecycle(nil)
	calls := 0
	l.SetPeerShutdownInitiated(func(reason string) { calls++ })
	l.NotifyPeerShutdown("bye")
	l.NotifyPeerShutdown("bye again")
	assert.Equal(t, 1, calls)
}

func TestLifecycleAbortFailsEverythingImmediately(t *testing.T) {
	l := NewLifecycle(nil)
	var failedWith error
	require.NoError(t, l.BeginInvocation(1, func(err error) { failedWith = err }))
	l.Abort(ErrDisposed)
	assert.ErrorIs(t, failedWith, ErrDisposed)
	assert.Equal(t, StateClosed, l.State())
}

package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icerpc "github.com/icerpc/icerpc-go"
)

func newTestRequest(t *testing.T, idempotent bool) *icerpc.OutgoingRequest {
	t.Helper()
	proxy, err := icerpc.NewProxy(icerpc.ProtocolIceRPC, "/greeter")
	require.NoError(t, err)
	proxy.Endpoint = &icerpc.Endpoint{Transport: "tcp", Host: "replica-a"}
	req := icerpc.NewOutgoingRequest(proxy, "sayHello", icerpc.EmptyPayloadSource())
	req.Idempotent = idempotent
	return req
}

func TestRetryImmediatelySucceedsOnSecondAttempt(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		if attempts == 1 {
			req.RetryPolicy = icerpc.RetryNow
			return nil, icerpc.NewError(icerpc.KindTransportFailure, "first attempt failed before send", nil)
		}
		return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess}, nil
	})

	retrying := Retry(RetryOptions{MaxAttempts: 3})(inner)
	resp, err := retrying.Invoke(context.Background(), newTestRequest(t, false))
	require.NoError(t, err)
	assert.Equal(t, icerpc.ResultSuccess, resp.ResultType)
	assert.Equal(t, 2, attempts)
}

func TestRetryNoRetryStopsImmediately(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		req.RetryPolicy = icerpc.NoRetry
		return nil, icerpc.NewError(icerpc.KindDispatchFailure, "not retryable", nil)
	})

	retrying := Retry(RetryOptions{MaxAttempts: 5})(inner)
	_, err := retrying.Invoke(context.Background(), newTestRequest(t, false))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryNonIdempotentObservablyDispatchedIsNotRetried(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		req.MarkDispatched()
		req.RetryPolicy = icerpc.RetryNow
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed after dispatch", nil)
	})

	retrying := Retry(RetryOptions{MaxAttempts: 5})(inner)
	_, err := retrying.Invoke(context.Background(), newTestRequest(t, false))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryIdempotentObservablyDispatchedIsRetried(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		req.MarkDispatched()
		if attempts < 3 {
			req.RetryPolicy = icerpc.RetryNow
			return nil, icerpc.NewError(icerpc.KindTransportFailure, "failed after dispatch", nil)
		}
		return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess}, nil
	})

	retrying := Retry(RetryOptions{MaxAttempts: 5})(inner)
	resp, err := retrying.Invoke(context.Background(), newTestRequest(t, true))
	require.NoError(t, err)
	assert.Equal(t, icerpc.ResultSuccess, resp.ResultType)
	assert.Equal(t, 3, attempts)
}

func TestRetryOtherReplicaAccumulatesExcludedEndpoints(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		if attempts < 2 {
			req.RetryPolicy = icerpc.RetryReplica
			return nil, icerpc.NewError(icerpc.KindTransportFailure, "replica unreachable", nil)
		}
		return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess}, nil
	})

	req := newTestRequest(t, false)
	retrying := Retry(RetryOptions{MaxAttempts: 3})(inner)
	_, err := retrying.Invoke(context.Background(), req)
	require.NoError(t, err)

	excluded, ok := req.Features[icerpc.FeatureExcludedEndpoints].([]icerpc.Endpoint)
	require.True(t, ok)
	assert.Len(t, excluded, 1)
	assert.Equal(t, "replica-a", excluded[0].Host)
}

func TestRetryAfterDelayWaitsBeforeRetrying(t *testing.T) {
	attempts := 0
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		attempts++
		if attempts == 1 {
			req.RetryPolicy = icerpc.AfterDelay(20 * time.Millisecond)
			return nil, icerpc.NewError(icerpc.KindTransportFailure, "transient", nil)
		}
		return &icerpc.IncomingResponse{ResultType: icerpc.ResultSuccess}, nil
	})

	retrying := Retry(RetryOptions{MaxAttempts: 3})(inner)
	start := time.Now()
	_, err := retrying.Invoke(context.Background(), newTestRequest(t, false))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRetryAfterDelayRespectsCancellation(t *testing.T) {
	inner := icerpc.InvokerFunc(func(ctx context.Context, req *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
		req.RetryPolicy = icerpc.AfterDelay(time.Hour)
		return nil, icerpc.NewError(icerpc.KindTransportFailure, "transient", nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retrying := Retry(RetryOptions{MaxAttempts: 3})(inner)
	_, err := retrying.Invoke(ctx, newTestRequest(t, false))
	require.Error(t, err)
}

func TestExponentialBackoffDoublesUpToMax(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, 35*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 35*time.Millisecond, b.Next())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icerpc "github.com/icerpc/icerpc-go"
)

func readAll(t *testing.T, src icerpc.PayloadSource) []byte {
	t.Helper()
	ctx := context.Background()
	var out []byte
	for {
		r, err := src.Read(ctx)
		require.NoError(t, err)
		if r.EOF {
			src.Complete(nil)
			return out
		}
		out = append(out, r.Bytes...)
	}
}

func newPipe() (*Connection, *Connection) {
	clientSide, serverSide := net.Pipe()
	client := NewClientConnection(clientSide, Options{})
	server := NewServerConnection(serverSide, Options{})
	return client, server
}

func TestTwowayInvokeRoundTrip(t *testing.T) {
	client, server := newPipe()
	defer client.Dispose(nil)
	defer server.Dispose(nil)

	dispatcher := icerpc.DispatcherFunc(func(ctx context.Context, req *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
		assert.Equal(t, "/greeter", req.Path)
		assert.Equal(t, "sayHello", req.Operation)
		assert.Equal(t, []byte("ping"), readAll(t, req.Payload))
		return icerpc.NewSuccessResponse(icerpc.Encoding11, icerpc.NewBytesPayloadSource([]byte("pong"))), nil
	})
	go func() { _ = server.AcceptRequests(context.Background(), dispatcher) }()

	proxy, err := icerpc.NewProxy(icerpc.ProtocolIce, "/greeter")
	require.NoError(t, err)
	proxy.Encoding = icerpc.Encoding11

	req := icerpc.NewOutgoingRequest(proxy, "sayHello", icerpc.NewBytesPayloadSource([]byte("ping")))
	resp, err := client.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, icerpc.ResultSuccess, resp.ResultType)
	assert.Equal(t, []byte("pong"), readAll(t, resp.Payload))
}

func TestOnewayInvokeDoesNotWaitForReply(t *testing.T) {
	client, server := newPipe()
	defer client.Dispose(nil)
	defer server.Dispose(nil)

	received := make(chan struct{}, 1)
	dispatcher := icerpc.DispatcherFunc(func(ctx context.Context, req *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
		readAll(t, req.Payload)
		received <- struct{}{}
		return icerpc.NewSuccessResponse(icerpc.Encoding11, icerpc.EmptyPayloadSource()), nil
	})
	go func() { _ = server.AcceptRequests(context.Background(), dispatcher) }()

	proxy, err := icerpc.NewProxy(icerpc.ProtocolIce, "/greeter")
	require.NoError(t, err)
	req := icerpc.NewOutgoingRequest(proxy, "fireAndForget", icerpc.NewBytesPayloadSource([]byte("x")))
	req.Oneway = true

	resp, err := client.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, icerpc.ResultSuccess, resp.ResultType)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never observed the oneway request")
	}
}

func TestInvokeFailsWhenNotActive(t *testing.T) {
	client, server := newPipe()
	defer server.Dispose(nil)
	client.Dispose(nil)

	proxy, err := icerpc.NewProxy(icerpc.ProtocolIce, "/greeter")
	require.NoError(t, err)
	req := icerpc.NewOutgoingRequest(proxy, "op", icerpc.EmptyPayloadSource())
	_, err = client.Invoke(context.Background(), req)
	assert.Error(t, err)

	select {
	case <-req.Payload.Completed():
	case <-time.After(time.Second):
		t.Fatal("payload was never completed on a rejected invoke")
	}
}

// TestConcurrentInvokesDoNotCorruptPendingRequestMap hammers one connection
// with many concurrent twoway invocations so the request-ID allocator and
// the waiters map see heavy concurrent registration/delivery, in the style
// of the teacher's race_test.go t.Run loops over a shared map. Run with
// -race.
func TestConcurrentInvokesDoNotCorruptPendingRequestMap(t *testing.T) {
	client, server := newPipe()
	defer client.Dispose(nil)
	defer server.Dispose(nil)

	dispatcher := icerpc.DispatcherFunc(func(ctx context.Context, req *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
		body := readAll(t, req.Payload)
		return icerpc.NewSuccessResponse(icerpc.Encoding11, icerpc.NewBytesPayloadSource(body)), nil
	})
	go func() { _ = server.AcceptRequests(context.Background(), dispatcher) }()

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		go func() {
			defer wg.Done()
			proxy, err := icerpc.NewProxy(icerpc.ProtocolIce, "/greeter")
			require.NoError(t, err)
			want := []byte(fmt.Sprintf("ping-%d", i))
			req := icerpc.NewOutgoingRequest(proxy, "echo", icerpc.NewBytesPayloadSource(want))
			resp, err := client.Invoke(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, want, readAll(t, resp.Payload))
		}()
	}
	wg.Wait()
}

// TestOnewayInvokeIsVisibleToHasInvocationsInProgress pins the fix for a
// oneway send blocked mid-flight: it must register with the lifecycle like
// any twoway invocation, or ShutdownAsync could return while it is still in
// flight.
func TestOnewayInvokeIsVisibleToHasInvocationsInProgress(t *testing.T) {
	client, server := newPipe()
	defer client.Dispose(nil)
	defer server.Dispose(nil)

	dispatcher := icerpc.DispatcherFunc(func(ctx context.Context, req *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
		readAll(t, req.Payload)
		return icerpc.NewSuccessResponse(icerpc.Encoding11, icerpc.EmptyPayloadSource()), nil
	})
	go func() { _ = server.AcceptRequests(context.Background(), dispatcher) }()

	release := make(chan struct{})
	blocked := make(chan struct{})
	payload := icerpc.NewPayloadSourceFunc(func(ctx context.Context) (icerpc.ReadResult, error) {
		select {
		case <-blocked:
		default:
			close(blocked)
		}
		select {
		case <-release:
			return icerpc.ReadResult{EOF: true}, nil
		case <-ctx.Done():
			return icerpc.ReadResult{}, ctx.Err()
		}
	})

	proxy, err := icerpc.NewProxy(icerpc.ProtocolIce, "/greeter")
	require.NoError(t, err)
	req := icerpc.NewOutgoingRequest(proxy, "fireAndForget", payload)
	req.Oneway = true

	done := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), req)
		done <- err
	}()

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("oneway invoke never reached its blocking payload read")
	}
	assert.True(t, client.HasInvocationsInProgress())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("oneway invoke never completed after its payload unblocked")
	}
	assert.False(t, client.HasInvocationsInProgress())
}

func TestShutdownAsyncDrainsThenClosesCleanly(t *testing.T) {
	client, server := newPipe()
	defer client.Dispose(nil)

	dispatcher := icerpc.DispatcherFunc(func(ctx context.Context, req *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
		readAll(t, req.Payload)
		return icerpc.NewSuccessResponse(icerpc.Encoding11, icerpc.EmptyPayloadSource()), nil
	})
	go func() { _ = server.AcceptRequests(context.Background(), dispatcher) }()

	err := server.ShutdownAsync(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, icerpc.StateClosed, server.State())
}

// Package invoker holds Invoker pipeline interceptors that live outside
// the core, per spec §4.6: the core never retries a request itself. The
// ice and slic connections do not populate OutgoingRequest's RetryPolicy,
// so Retry only acts on a policy written by the caller or another
// interceptor.
package invoker

import (
	"context"
	"time"

	"go.uber.org/zap"

	icerpc "github.com/icerpc/icerpc-go"
)

// Backoff produces successive wait durations for RetryAfterDelay; Reset
// returns it to its first duration. Retry does not call Reset: it builds a
// fresh Backoff for each logical request. Grounded on x5iu-gorpc/codec.go's
// Backoff interface, reused verbatim for invocation retries instead of
// reconnect delays.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// NewExponentialBackoff builds a Backoff that doubles from base up to max
// on every call to Next, the same shape as the teacher's
// exponentialBackoff.
func NewExponentialBackoff(base, max time.Duration) Backoff {
	return &exponentialBackoff{base: base, max: max}
}

type exponentialBackoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func (b *exponentialBackoff) Next() time.Duration {
	if b.base <= 0 {
		return 0
	}
	if b.cur == 0 {
		b.cur = b.base
		return b.cur
	}
	b.cur *= 2
	if b.max > 0 && b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *exponentialBackoff) Reset() { b.cur = 0 }

// RetryOptions configures Retry.
type RetryOptions struct {
	// MaxAttempts bounds the total number of Invoke calls made for one
	// logical request, including the first. Zero means 1 (no retries).
	MaxAttempts int
	// BackoffFactory builds a fresh Backoff for each logical request's
	// RetryAfterDelay waits. Defaults to a 100ms..2s exponential backoff,
	// the teacher's own WithReconnectBackoff default.
	BackoffFactory func() Backoff
	Logger         *zap.Logger
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffFactory == nil {
		o.BackoffFactory = func() Backoff { return NewExponentialBackoff(100*time.Millisecond, 2*time.Second) }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Retry builds an Interceptor implementing spec §4.6's contract: consult
// request.RetryPolicy (never written by the ice or slic connections) to decide
// whether and how to re-drive the request, and never retry a request that
// has been observably dispatched unless it is idempotent.
func Retry(opts RetryOptions) icerpc.Interceptor {
	opts = opts.withDefaults()
	return func(inner icerpc.Invoker) icerpc.Invoker {
		return icerpc.InvokerFunc(func(ctx context.Context, request *icerpc.OutgoingRequest) (*icerpc.IncomingResponse, error) {
			backoff := opts.BackoffFactory()
			var lastErr error
			for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
				resp, err := inner.Invoke(ctx, request)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if attempt == opts.MaxAttempts {
					break
				}
				if !retryable(request) {
					break
				}

				switch request.RetryPolicy.Kind {
				case icerpc.RetryImmediately:
					// fall through to next attempt immediately.
				case icerpc.RetryOtherReplica:
					excludeCurrentEndpoint(request)
				case icerpc.RetryAfterDelay:
					wait := request.RetryPolicy.Delay
					if wait <= 0 {
						wait = backoff.Next()
					}
					if err := sleep(ctx, wait); err != nil {
						return nil, err
					}
				default:
					return nil, err
				}

				opts.Logger.Debug("retrying invocation",
					zap.String("path", request.Proxy.Path),
					zap.String("operation", request.Operation),
					zap.Int("attempt", attempt+1),
					zap.Stringer("policy", retryPolicyKind(request.RetryPolicy.Kind)))
			}
			return nil, lastErr
		})
	}
}

// retryable implements spec §4.6's "never retry a request that has been
// observably dispatched unless idempotent" rule, plus RetryNoRetry.
func retryable(request *icerpc.OutgoingRequest) bool {
	if request.RetryPolicy.Kind == icerpc.RetryNoRetry {
		return false
	}
	if request.WasObservablyDispatched() && !request.Idempotent {
		return false
	}
	return true
}

func excludeCurrentEndpoint(request *icerpc.OutgoingRequest) {
	if request.Proxy == nil || request.Proxy.Endpoint == nil {
		return
	}
	if request.Features == nil {
		request.Features = map[any]any{}
	}
	existing, _ := request.Features[icerpc.FeatureExcludedEndpoints].([]icerpc.Endpoint)
	request.Features[icerpc.FeatureExcludedEndpoints] = append(existing, *request.Proxy.Endpoint)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return icerpc.ErrCancelled
	}
}

type retryPolicyKind icerpc.RetryPolicyKind

func (k retryPolicyKind) String() string {
	switch icerpc.RetryPolicyKind(k) {
	case icerpc.RetryNoRetry:
		return "no-retry"
	case icerpc.RetryImmediately:
		return "immediately"
	case icerpc.RetryOtherReplica:
		return "other-replica"
	case icerpc.RetryAfterDelay:
		return "after-delay"
	default:
		return "unknown"
	}
}

package ice

import "go.uber.org/zap"

// Options configures a Connection. All fields are optional.
type Options struct {
	// Logger receives structured diagnostics (unknown request IDs, read
	// failures, requests dropped after shutdown began, failed response
	// payloads). Protocol violations dispose the connection without a log
	// line. A nil Logger is replaced with zap.NewNop().
	Logger *zap.Logger

	// MaxConcurrentDispatches bounds how many requests AcceptRequests will
	// dispatch concurrently; 0 means a sane default (64).
	MaxConcurrentDispatches int64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxConcurrentDispatches <= 0 {
		o.MaxConcurrentDispatches = 64
	}
	return o
}

package slic

import (
	"go.uber.org/zap"

	icerpc "github.com/icerpc/icerpc-go"
)

// Options configures a Connection. All fields are optional.
type Options struct {
	// Logger receives structured diagnostics.
	Logger *zap.Logger

	// MaxConcurrentDispatches bounds how many streams AcceptRequests will
	// dispatch concurrently; 0 means a sane default (64).
	MaxConcurrentDispatches int64

	// LocalFields are the fields this side advertises during the
	// Initialize exchange, e.g. {MaxHeaderSize: ...}. May be nil.
	LocalFields map[int64]icerpc.FieldEncoder
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

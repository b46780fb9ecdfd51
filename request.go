package icerpc

import "time"

// Never is the deadline sentinel meaning "no deadline", per spec §3.
var Never = time.Time{}

// FeatureContext is the OutgoingRequest.Features key both protocol
// connections read to auto-populate the wire-level request context
// (FieldContext), per spec §4.3's "auto-populated Context from features".
// A request that never sets this feature sends an empty context.
var FeatureContext = struct{ name string }{"icerpc-context"}

// FeatureExcludedEndpoints is the OutgoingRequest.Features key a retry
// interceptor uses to accumulate endpoints a RetryOtherReplica policy has
// already tried, per spec §4.6's "re-drive with an updated
// ExcludedEndpoints list". The core itself never reads this key; it only
// reserves it so retry interceptors and endpoint-selecting invokers agree
// on where to find it.
var FeatureExcludedEndpoints = struct{ name string }{"icerpc-excluded-endpoints"}

// OutgoingRequest is owned by the caller until Invoke begins; after that,
// per spec §3, the caller must not mutate it. Exactly one of Payload must
// be set; PayloadStream is optional.
type OutgoingRequest struct {
	Proxy         *Proxy
	Operation     string
	Idempotent    bool
	Oneway        bool
	Deadline      time.Time
	Payload       PayloadSource
	PayloadStream PayloadSource
	Fields        map[int64]FieldEncoder
	Features      map[any]any

	// PayloadWriterDecorators wraps the sink the payload is written to, in
	// stack order (last appended is outermost), e.g. for compression.
	PayloadWriterDecorators []PayloadSinkDecorator

	// RetryPolicy is read by retry interceptors; see RetryPolicy. The ice
	// and slic connections never write it.
	RetryPolicy RetryPolicy

	// observablyDispatched is set true by a protocol connection once the
	// request has been handed to the peer such that a dispatch may have
	// observably started; an idempotent request may still be retried after
	// that point, a non-idempotent one may not (spec §4.6).
	observablyDispatched bool
}

// NewOutgoingRequest builds a minimal OutgoingRequest targeting proxy.Path.
// It does not validate operation, and neither the ice nor the slic
// connection rejects an empty operation at Invoke time.
func NewOutgoingRequest(proxy *Proxy, operation string, payload PayloadSource) *OutgoingRequest {
	return &OutgoingRequest{
		Proxy:     proxy,
		Operation: operation,
		Deadline:  Never,
		Payload:   payload,
		Fields:    map[int64]FieldEncoder{},
		Features:  map[any]any{},
	}
}

// MarkDispatched records that the request was observably handed to the
// dispatcher side. Called by ProtocolConnection implementations only.
func (r *OutgoingRequest) MarkDispatched() { r.observablyDispatched = true }

// WasObservablyDispatched reports whether MarkDispatched was ever called.
func (r *OutgoingRequest) WasObservablyDispatched() bool { return r.observablyDispatched }

// IncomingRequest is the server-side dual of OutgoingRequest: what a
// Dispatcher receives.
type IncomingRequest struct {
	Path          string
	Operation     string
	Idempotent    bool
	Deadline      time.Time
	Fields        map[int64][]byte
	Payload       PayloadSource
	PayloadStream PayloadSource
	Connection    ProtocolConnection
	Features      map[any]any
}

package icerpc

// Interceptor transforms an inner Invoker into an outer one, per spec §4.5.
// Interceptors may inspect/modify the OutgoingRequest before calling inner
// and/or the IncomingResponse after.
type Interceptor func(inner Invoker) Invoker

// Pipeline composes interceptors, in the order they were added, into a
// single Invoker terminating at connection. The first interceptor added is
// the outermost: it sees the request first and the response last.
//
// Grounded on the teacher's functional-option composition
// (ClientOption/ServerOption in x5iu-gorpc/codec.go), generalized from
// "configure a codec in place" to "wrap an invoker".
type Pipeline struct {
	interceptors []Interceptor
}

// NewPipeline builds an empty Pipeline.
func NewPipeline() *Pipeline { return &Pipeline{} }

// Use appends an interceptor to the pipeline. Use does not check whether
// Into has already been called: mirroring the router's freeze-on-first-use
// discipline would be overkill here since a Pipeline has no accept loop to
// race; callers simply should not mutate a Pipeline they have already
// handed to Into.
func (p *Pipeline) Use(i Interceptor) *Pipeline {
	p.interceptors = append(p.interceptors, i)
	return p
}

// Into composes the pipeline onto connection and returns the resulting
// Invoker.
func (p *Pipeline) Into(connection Invoker) Invoker {
	invoker := connection
	for i := len(p.interceptors) - 1; i >= 0; i-- {
		invoker = p.interceptors[i](invoker)
	}
	return invoker
}

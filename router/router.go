// Package router implements the Router/Dispatcher core from spec §4.4: an
// exact-match and longest-prefix-match dispatch table plus an ordered
// middleware stack, shared by both the ice and slic protocol connections
// since both dispatch into a plain icerpc.Dispatcher.
package router

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	icerpc "github.com/icerpc/icerpc-go"
)

// MaxSegments bounds how many trailing segments DispatchAsync will strip
// while falling back through mounted prefixes. A path that still hasn't
// bottomed out to "/" after MaxSegments trims is rejected outright, as a
// defense against adversarial paths rather than walked indefinitely.
const MaxSegments = 10

// Middleware wraps a Dispatcher with cross-cutting behavior. Middleware
// pushed later wraps middleware pushed earlier: the most recently pushed
// is outermost and sees the request first.
type Middleware func(icerpc.Dispatcher) icerpc.Dispatcher

// DefaultDispatcher is reached when neither an exact nor a prefix match
// exists; per spec §4.4 it fails with ServiceNotFound.
var DefaultDispatcher = icerpc.DispatcherFunc(func(ctx context.Context, request *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
	return icerpc.NewFailureResponse(icerpc.ErrCodeServiceNotFound, "no dispatcher mounted for "+request.Path), nil
})

// Router is immutable after its first DispatchAsync call: absolute prefix,
// exact-match table, prefix-match table, and middleware stack are all
// frozen at that point, per spec §4.4.
//
// Grounded on FrancisTan2014-kvgo/src/server/dispatcher.go's fixed
// requestHandlers table (a byte-opcode array populated once at startup and
// never mutated again), generalized to a path-keyed map with prefix
// fallback and a middleware chain.
type Router struct {
	absolutePrefix string
	logger         *zap.Logger

	mu         sync.Mutex
	exact      map[string]icerpc.Dispatcher
	prefix     map[string]icerpc.Dispatcher
	middleware []Middleware

	frozen atomic.Bool
	built  icerpc.Dispatcher
}

// NewRouter builds an empty Router. absolutePrefix, if non-empty, must
// start with "/" and every incoming request's path must start with it
// (spec §4.4 step 1); pass "" for a router with no absolute prefix. A nil
// logger is replaced with a no-op one.
func NewRouter(logger *zap.Logger, absolutePrefix string) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		absolutePrefix: absolutePrefix,
		logger:         logger,
		exact:          make(map[string]icerpc.Dispatcher),
		prefix:         make(map[string]icerpc.Dispatcher),
	}
}

// Map registers an exact-match dispatcher for path.
func (r *Router) Map(path string, dispatcher icerpc.Dispatcher) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen()
	r.exact[path] = dispatcher
	return r
}

// Mount registers a longest-prefix-match dispatcher for prefix.
func (r *Router) Mount(prefix string, dispatcher icerpc.Dispatcher) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen()
	r.prefix[normalizePrefix(prefix)] = dispatcher
	return r
}

// Use pushes a middleware onto the stack.
func (r *Router) Use(middleware Middleware) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen()
	r.middleware = append(r.middleware, middleware)
	return r
}

// mustNotBeFrozen panics if called after the dispatch pipeline has been
// built, mirroring Pipeline.Use's "callers simply should not mutate a
// frozen builder" discipline, made load-bearing here since a Router also
// has a concurrent accept loop to race against.
func (r *Router) mustNotBeFrozen() {
	if r.frozen.Load() {
		panic(icerpc.NewError(icerpc.KindIllegalState, "router is frozen after its first DispatchAsync", nil))
	}
}

// DispatchAsync implements spec §4.4: freeze the route tables on first
// call, then strip the absolute prefix, try an exact match, fall back
// through mounted prefixes by trimming one segment at a time, and finally
// DefaultDispatcher. The middleware stack wraps every outcome, including
// DefaultDispatcher's.
func (r *Router) DispatchAsync(ctx context.Context, request *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
	return r.freeze().DispatchAsync(ctx, request)
}

func (r *Router) freeze() icerpc.Dispatcher {
	if r.frozen.Load() {
		return r.built
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return r.built
	}
	var built icerpc.Dispatcher = icerpc.DispatcherFunc(r.lookup)
	for _, m := range r.middleware {
		built = m(built)
	}
	r.built = built
	r.frozen.Store(true)
	return r.built
}

func (r *Router) lookup(ctx context.Context, request *icerpc.IncomingRequest) (*icerpc.OutgoingResponse, error) {
	path := request.Path
	if r.absolutePrefix != "" {
		if !strings.HasPrefix(path, r.absolutePrefix) {
			return nil, icerpc.NewError(icerpc.KindInvalidData, "path does not start with router's absolute prefix", nil)
		}
		path = path[len(r.absolutePrefix):]
		if path == "" {
			path = "/"
		}
	}

	if d, ok := r.exact[path]; ok {
		return d.DispatchAsync(ctx, request)
	}

	candidate := normalizePrefix(path)
	// Checking a candidate after k trims takes k+1 iterations (the 0th
	// checks the untrimmed candidate), so reaching "/" for a path with
	// exactly MaxSegments segments needs MaxSegments+1 attempts here.
	for attempt := 0; attempt <= MaxSegments; attempt++ {
		if d, ok := r.prefix[candidate]; ok {
			return d.DispatchAsync(ctx, request)
		}
		if candidate == "/" {
			return DefaultDispatcher.DispatchAsync(ctx, request)
		}
		candidate = trimLastSegment(candidate)
	}
	return nil, icerpc.NewError(icerpc.KindInvalidData, "too many segments in path", nil)
}

// normalizePrefix trims trailing slashes from p, except for the root
// itself, per spec §4.4's path normalization rule.
func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// trimLastSegment drops the last "/segment" from an already-normalized
// path, collapsing to "/" once nothing is left to drop.
func trimLastSegment(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

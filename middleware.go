package plume

import "context"

// Request is the uniform dispatch envelope every transport reduces inbound
// traffic to. Bridges build one per call; middleware may mutate Params and
// Data before the service runs.
type Request struct {
	// Method is the capability being invoked.
	Method Method
	// Path is the normalized service path.
	Path string
	// ID addresses a single entity for get/update/patch/remove; empty for
	// find/create and for bulk patch/remove.
	ID string
	// Data carries the request body for create/update/patch.
	Data any
	// Params is the per-request field bag.
	Params Params
}

// NewRequest builds a request with an empty params bag.
func NewRequest(method Method, path string) *Request {
	return &Request{Method: method, Path: NormalizePath(path), Params: Params{}}
}

// Handler processes a dispatch request and produces its result.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a handler. Middleware registered for a path runs only for
// requests dispatched to that path; application-wide middleware runs for
// every dispatch, outermost first.
type Middleware func(next Handler) Handler

// Chain wraps a handler so that the first middleware listed runs outermost.
// Nil entries are skipped.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		h = mw[i](h)
	}
	return h
}

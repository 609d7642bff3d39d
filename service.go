package plume

import (
	"context"
	"fmt"
	"sync"
)

// Method identifies one capability of the fixed service method set.
type Method string

const (
	MethodFind   Method = "find"
	MethodGet    Method = "get"
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodPatch  Method = "patch"
	MethodRemove Method = "remove"
)

// Methods lists the capability set in dispatch order.
var Methods = []Method{MethodFind, MethodGet, MethodCreate, MethodUpdate, MethodPatch, MethodRemove}

// numMethods sizes per-method counter arrays; keep in sync with Methods.
const numMethods = 6

// ParseMethod maps a wire token to a Method, rejecting unknown tokens.
func ParseMethod(token string) (Method, error) {
	switch m := Method(token); m {
	case MethodFind, MethodGet, MethodCreate, MethodUpdate, MethodPatch, MethodRemove:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrMethodUnknown, token)
	}
}

// Mutating reports whether a successful call to the method changes state and
// therefore emits a lifecycle event.
func (m Method) Mutating() bool { return m.EventName() != "" }

// EventName returns the lifecycle event a successful call emits, or "" for
// read methods.
func (m Method) EventName() string {
	switch m {
	case MethodCreate:
		return EventCreated
	case MethodUpdate:
		return EventUpdated
	case MethodPatch:
		return EventPatched
	case MethodRemove:
		return EventRemoved
	default:
		return ""
	}
}

// Lifecycle event names emitted by the service wrapper after mutating calls.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventPatched = "patched"
	EventRemoved = "removed"
)

// LifecycleEvents lists the event names every service emits.
var LifecycleEvents = []string{EventCreated, EventUpdated, EventPatched, EventRemoved}

// Conventional Params keys populated by transport bridges.
const (
	// ParamQuery holds the query terms (map[string]any) a find or bulk
	// mutation filters by.
	ParamQuery = "query"
	// ParamProvider names the transport that produced the request ("rest",
	// "socket"); absent for internal calls.
	ParamProvider = "provider"
	// ParamRoute holds route placeholders (map[string]string) captured from
	// a parameterized service path.
	ParamRoute = "route"
	// ParamConnection carries per-connection state attached by the socket
	// bridge.
	ParamConnection = "connection"
	// ParamHeaders holds a snapshot of transport headers (map[string]string).
	ParamHeaders = "headers"
)

// Params is the transport-agnostic bag of per-request fields. Bridges build
// a fresh one per request; middleware may add or overwrite entries before
// the service sees them.
type Params map[string]any

// Clone returns a shallow copy so a caller can branch a request without
// mutating the original bag.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	dup := make(Params, len(p))
	for k, v := range p {
		dup[k] = v
	}
	return dup
}

// Query returns the query term map, creating and storing an empty one when
// absent so callers can populate it in place.
func (p Params) Query() map[string]any {
	if q, ok := p[ParamQuery].(map[string]any); ok {
		return q
	}
	q := map[string]any{}
	p[ParamQuery] = q
	return q
}

// Provider reports which transport produced the request, "" for internal
// calls.
func (p Params) Provider() string {
	s, _ := p[ParamProvider].(string)
	return s
}

// Route returns the captured route placeholders, nil when the service path
// had none.
func (p Params) Route() map[string]string {
	m, _ := p[ParamRoute].(map[string]string)
	return m
}

// Finder is implemented by services that list entities matching
// params query terms.
type Finder interface {
	Find(ctx context.Context, params Params) (any, error)
}

// Getter is implemented by services that fetch a single entity by id.
type Getter interface {
	Get(ctx context.Context, id string, params Params) (any, error)
}

// Creator is implemented by services that create entities. Data may be a
// single entity or a slice for bulk creation.
type Creator interface {
	Create(ctx context.Context, data any, params Params) (any, error)
}

// Updater is implemented by services that replace an entity wholesale.
type Updater interface {
	Update(ctx context.Context, id string, data any, params Params) (any, error)
}

// Patcher is implemented by services that merge partial data into an entity.
// An empty id addresses every entity matching the params query.
type Patcher interface {
	Patch(ctx context.Context, id string, data any, params Params) (any, error)
}

// Remover is implemented by services that delete entities. An empty id
// addresses every entity matching the params query.
type Remover interface {
	Remove(ctx context.Context, id string, params Params) (any, error)
}

// SetupHook is implemented by services that need a reference to the running
// application. Setup runs exactly once per service, when the application
// begins listening (or on an explicit Application.Setup), with the path the
// service was registered under.
type SetupHook interface {
	Setup(app *Application, path string) error
}

// EventAnnouncer is implemented by services that emit custom events beyond
// the lifecycle set. Transport bridges relay only announced events.
type EventAnnouncer interface {
	ServiceEvents() []string
}

// Deferred is a service result that completes later. When a capability
// method returns a Deferred, the wrapper awaits it before emitting events or
// handing the result to the transport, so asynchronous services flow through
// the same completion path as synchronous ones.
type Deferred interface {
	Await(ctx context.Context) (any, error)
}

// Future is a channel-backed Deferred. The producing side settles it once
// with Resolve or Reject; later settlements are ignored.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

// NewFuture returns an unsettled Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a result.
func (f *Future) Resolve(result any) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// Reject settles the future with an error.
func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future settles or the context ends.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting deferred result: %w", ctx.Err())
	case <-f.done:
		return f.result, f.err
	}
}

package plume

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"
)

// WrappedService is the uniform face of a registered service. It exposes the
// full capability set regardless of which methods the underlying
// implementation provides (unsupported ones fail with ErrMethodNotSupported),
// emits lifecycle events after successful mutating calls, and carries the
// service's event fan-out.
//
// Wrapping is idempotent: registering an already-wrapped service reuses the
// instance, so a service mounted under several paths keeps a single emitter
// and a single listener set.
type WrappedService struct {
	path  string
	inner any

	finder  Finder
	getter  Getter
	creator Creator
	updater Updater
	patcher Patcher
	remover Remover

	custom  []string
	emitter *Emitter

	appMu sync.RWMutex
	app   *Application

	setupOnce sync.Once
	setupErr  error

	closeOnce sync.Once
	closeErr  error
}

func newWrappedService(path string, impl any) (*WrappedService, error) {
	if impl == nil {
		return nil, fmt.Errorf("%w: path %q", ErrServiceNil, path)
	}
	if svc, ok := impl.(*WrappedService); ok {
		return svc, nil
	}

	svc := &WrappedService{
		path:    NormalizePath(path),
		inner:   impl,
		emitter: NewEmitter(),
	}
	svc.finder, _ = impl.(Finder)
	svc.getter, _ = impl.(Getter)
	svc.creator, _ = impl.(Creator)
	svc.updater, _ = impl.(Updater)
	svc.patcher, _ = impl.(Patcher)
	svc.remover, _ = impl.(Remover)

	if svc.finder == nil && svc.getter == nil && svc.creator == nil &&
		svc.updater == nil && svc.patcher == nil && svc.remover == nil {
		return nil, fmt.Errorf("%w: path %q type %T", ErrServiceInvalid, path, impl)
	}

	if announcer, ok := impl.(EventAnnouncer); ok {
		svc.custom = append(svc.custom, announcer.ServiceEvents()...)
	}
	return svc, nil
}

// Path returns the canonical path the service was first registered under.
func (s *WrappedService) Path() string { return s.path }

// Unwrap returns the underlying service implementation.
func (s *WrappedService) Unwrap() any { return s.inner }

// Provides reports whether the underlying implementation supports a method.
func (s *WrappedService) Provides(m Method) bool {
	switch m {
	case MethodFind:
		return s.finder != nil
	case MethodGet:
		return s.getter != nil
	case MethodCreate:
		return s.creator != nil
	case MethodUpdate:
		return s.updater != nil
	case MethodPatch:
		return s.patcher != nil
	case MethodRemove:
		return s.remover != nil
	default:
		return false
	}
}

// Events lists the event names the service may emit: the lifecycle set plus
// any the implementation announces. Bridges relay exactly these.
func (s *WrappedService) Events() []string {
	names := make([]string, 0, len(LifecycleEvents)+len(s.custom))
	names = append(names, LifecycleEvents...)
	names = append(names, s.custom...)
	return names
}

// Find lists entities matching the params query.
func (s *WrappedService) Find(ctx context.Context, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodFind, Path: s.path, Params: params})
}

// Get fetches a single entity by id.
func (s *WrappedService) Get(ctx context.Context, id string, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodGet, Path: s.path, ID: id, Params: params})
}

// Create adds one entity, or several when data is a slice.
func (s *WrappedService) Create(ctx context.Context, data any, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodCreate, Path: s.path, Data: data, Params: params})
}

// Update replaces the entity addressed by id.
func (s *WrappedService) Update(ctx context.Context, id string, data any, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodUpdate, Path: s.path, ID: id, Data: data, Params: params})
}

// Patch merges data into the entity addressed by id, or into every entity
// matching the params query when id is empty.
func (s *WrappedService) Patch(ctx context.Context, id string, data any, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodPatch, Path: s.path, ID: id, Data: data, Params: params})
}

// Remove deletes the entity addressed by id, or every entity matching the
// params query when id is empty.
func (s *WrappedService) Remove(ctx context.Context, id string, params Params) (any, error) {
	return s.Dispatch(ctx, &Request{Method: MethodRemove, Path: s.path, ID: id, Params: params})
}

// Dispatch invokes the capability named by the request directly on the
// service, bypassing application middleware. Panics in the implementation
// are recovered and surfaced as 500-class errors; Deferred results are
// awaited; successful mutating calls emit their lifecycle event before
// Dispatch returns, with delivery to listeners happening asynchronously.
func (s *WrappedService) Dispatch(ctx context.Context, req *Request) (result any, err error) {
	if req == nil {
		return nil, ErrRequestNil
	}
	if req.Params == nil {
		req.Params = Params{}
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewGeneralError(fmt.Sprintf("service %q panicked during %s: %v", s.path, req.Method, r))
		}
	}()

	switch req.Method {
	case MethodFind:
		if s.finder == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.finder.Find(ctx, req.Params)
	case MethodGet:
		if s.getter == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.getter.Get(ctx, req.ID, req.Params)
	case MethodCreate:
		if s.creator == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.creator.Create(ctx, req.Data, req.Params)
	case MethodUpdate:
		if s.updater == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.updater.Update(ctx, req.ID, req.Data, req.Params)
	case MethodPatch:
		if s.patcher == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.patcher.Patch(ctx, req.ID, req.Data, req.Params)
	case MethodRemove:
		if s.remover == nil {
			return nil, methodNotSupportedError(s.path, req.Method)
		}
		result, err = s.remover.Remove(ctx, req.ID, req.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrMethodUnknown, req.Method)
	}
	if err != nil {
		return nil, err
	}

	result, err = awaitDeferred(ctx, result)
	if err != nil {
		return nil, err
	}

	if name := req.Method.EventName(); name != "" {
		s.emitResult(name, result)
	}
	return result, nil
}

// On registers a listener for an event name (EventWildcard for all).
func (s *WrappedService) On(event string, fn Listener) Subscription {
	return s.emitter.On(event, fn)
}

// Off cancels a subscription previously returned by On.
func (s *WrappedService) Off(sub Subscription) {
	s.emitter.Off(sub)
}

// Emit publishes a custom event to this service's listeners and announces it
// to the owning application's observers.
func (s *WrappedService) Emit(event string, data any) {
	s.emit(Event{
		Service:   s.path,
		Name:      event,
		Data:      data,
		ID:        newEventID(),
		EmittedAt: time.Now(),
	})
}

// Relay injects an event into this service's listeners without announcing it
// to application observers. Cross-node synchronizers use it to replay remote
// events without triggering another round of replication.
func (s *WrappedService) Relay(event Event) {
	s.emitter.Emit(event)
}

// Emitter exposes the service's event fan-out.
func (s *WrappedService) Emitter() *Emitter { return s.emitter }

// Stats returns the service's event delivery counters.
func (s *WrappedService) Stats() EmitterStats { return s.emitter.Stats() }

// Setup runs the implementation's SetupHook exactly once. Later calls return
// the first result.
func (s *WrappedService) Setup(app *Application, path string) error {
	s.setupOnce.Do(func() {
		if hook, ok := s.inner.(SetupHook); ok {
			s.setupErr = hook.Setup(app, path)
		}
	})
	return s.setupErr
}

// Close shuts down the event fan-out and closes the implementation when it
// is an io.Closer. Idempotent.
func (s *WrappedService) Close() error {
	s.closeOnce.Do(func() {
		s.emitter.Close()
		if closer, ok := s.inner.(io.Closer); ok {
			s.closeErr = closer.Close()
		}
	})
	return s.closeErr
}

func (s *WrappedService) bindApp(app *Application) {
	s.appMu.Lock()
	if s.app == nil {
		s.app = app
	}
	s.appMu.Unlock()
}

func (s *WrappedService) application() *Application {
	s.appMu.RLock()
	defer s.appMu.RUnlock()
	return s.app
}

func (s *WrappedService) emit(event Event) {
	s.emitter.Emit(event)
	if app := s.application(); app != nil {
		app.announceServiceEvent(event)
	}
}

func (s *WrappedService) emitResult(name string, result any) {
	items, bulk := splitBulkResult(result)
	if !bulk {
		s.emit(Event{
			Service:   s.path,
			Name:      name,
			Data:      result,
			ID:        newEventID(),
			EmittedAt: time.Now(),
		})
		return
	}
	for _, item := range items {
		s.emit(Event{
			Service:   s.path,
			Name:      name,
			Data:      item,
			ID:        newEventID(),
			EmittedAt: time.Now(),
		})
	}
}

// awaitDeferred resolves Deferred results, repeatedly when an Await yields
// another Deferred.
func awaitDeferred(ctx context.Context, result any) (any, error) {
	for {
		deferred, ok := result.(Deferred)
		if !ok {
			return result, nil
		}
		var err error
		result, err = deferred.Await(ctx)
		if err != nil {
			return nil, err
		}
	}
}

// splitBulkResult reports whether a mutating result is a bulk slice and, if
// so, its elements. Byte slices and strings count as single payloads.
func splitBulkResult(result any) ([]any, bool) {
	switch v := result.(type) {
	case nil:
		return nil, false
	case []any:
		return v, true
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return items, true
	case []byte, string:
		return nil, false
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

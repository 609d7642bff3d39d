package plume

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/go-chi/chi/v5"
)

// Configurator wires a component (typically a transport bridge) into an
// application. Application.Configure runs it immediately.
type Configurator interface {
	Configure(app *Application) error
}

// ConfiguratorFunc adapts a function to the Configurator interface.
type ConfiguratorFunc func(app *Application) error

func (f ConfiguratorFunc) Configure(app *Application) error { return f(app) }

// Bridge is a transport bridge with a lifecycle. Configurators that also
// implement Bridge are started when the application begins listening and
// stopped, in reverse order, when it closes.
type Bridge interface {
	// Name identifies the bridge in logs and observer events.
	Name() string
	// Start begins bridge operation. It must not block.
	Start(ctx context.Context) error
	// Stop ends bridge operation, releasing its resources.
	Stop(ctx context.Context) error
}

// HTTPAttacher is implemented by configurators that serve HTTP. Listen
// mounts each one on the application's router before the server starts.
type HTTPAttacher interface {
	Attach(router chi.Router)
}

// DispatchStats is a snapshot of the application's dispatch counters.
type DispatchStats struct {
	// Requests counts every dispatch attempt, including failed lookups.
	Requests uint64
	// Errors counts dispatches that returned an error.
	Errors uint64
	// ByMethod breaks successful lookups down per capability.
	ByMethod map[Method]uint64
	// Events aggregates event delivery counters across every registered
	// service.
	Events EmitterStats
}

const (
	statusIdle int32 = iota
	statusListening
	statusClosed
)

// Application is the service container: it owns the path registry, the
// dispatch pipeline, the transport bridges, and the observer plane.
//
// Typical assembly:
//
//	app := plume.New(plume.WithLogger(logger))
//	app.Use("todo", memstore.New())
//	app.Configure(rest.New())
//	app.Configure(socket.New())
//	app.Run(ctx, ":3030")
type Application struct {
	logger   Logger
	registry *PathRegistry

	mu        sync.RWMutex
	routeMW   map[string][]Middleware
	globalMW  []Middleware
	bridges   []Bridge
	attachers []HTTPAttacher
	parent    *Application

	settingsMu sync.RWMutex
	settings   map[string]any

	cfg         *AppConfig
	cfgMu       sync.RWMutex
	cfgSections map[string]ConfigProvider

	observerMu sync.RWMutex
	observers  map[string]*observerRegistration

	setupOnce sync.Once
	setupErr  error

	status   atomic.Int32
	server   *http.Server
	listener net.Listener

	requests     atomic.Uint64
	errorCount   atomic.Uint64
	methodCounts [numMethods]atomic.Uint64
}

// New builds an application with defaults: slog-backed logger, default
// AppConfig registered under SectionApp, empty registry.
func New(opts ...Option) *Application {
	app := &Application{
		logger:      NewSlogLogger(nil),
		registry:    NewPathRegistry(),
		routeMW:     make(map[string][]Middleware),
		settings:    make(map[string]any),
		cfg:         NewAppConfig(),
		cfgSections: make(map[string]ConfigProvider),
		observers:   make(map[string]*observerRegistration),
	}
	app.cfgSections[SectionApp] = NewStdConfigProvider(app.cfg)
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Logger returns the application logger.
func (a *Application) Logger() Logger { return a.logger }

// Name returns the configured application name.
func (a *Application) Name() string { return a.cfg.Name }

// Config returns the application config section.
func (a *Application) Config() *AppConfig { return a.cfg }

// Use registers a service under path with optional path-scoped middleware
// and returns its wrapper. Passing an *Application mounts it (middleware
// arguments are invalid in that case and Mount is the clearer spelling).
func (a *Application) Use(path string, service any, mw ...Middleware) (*WrappedService, error) {
	if child, ok := service.(*Application); ok {
		if len(mw) > 0 {
			return nil, ErrMountWithMiddleware
		}
		return nil, a.Mount(path, child)
	}

	svc, err := newWrappedService(path, service)
	if err != nil {
		return nil, err
	}
	norm := a.registry.Register(path, svc)
	svc.bindApp(a)

	a.mu.Lock()
	if len(mw) > 0 {
		a.routeMW[norm] = append([]Middleware(nil), mw...)
	} else {
		delete(a.routeMW, norm)
	}
	a.mu.Unlock()

	a.logger.Debug("Service registered", "path", norm, "type", fmt.Sprintf("%T", svc.Unwrap()))
	a.emitAppEvent(EventTypeServiceRegistered, map[string]any{"path": norm})

	// Services arriving after the application started still get their
	// setup hook.
	if a.status.Load() == statusListening {
		if err := svc.Setup(a, norm); err != nil {
			return nil, fmt.Errorf("setting up service %q: %w", norm, err)
		}
	}
	return svc, nil
}

// Mount registers every service of a child application under prefix,
// sharing the child's wrapped instances, and records this application as
// the child's parent. Bindings the child adds after mounting stay
// child-local.
func (a *Application) Mount(prefix string, child *Application) error {
	if child == nil {
		return ErrMountNilApp
	}
	if child == a {
		return ErrMountSelf
	}

	child.setParent(a)

	type mounted struct {
		path string
		mw   []Middleware
	}
	var copies []mounted

	child.registry.Range(func(childPath string, svc *WrappedService) bool {
		target := JoinPath(prefix, childPath)
		a.registry.Register(target, svc)

		combined := child.middlewareFor(childPath)
		copies = append(copies, mounted{path: target, mw: combined})
		return true
	})

	a.mu.Lock()
	for _, m := range copies {
		if len(m.mw) > 0 {
			a.routeMW[m.path] = m.mw
		}
	}
	a.mu.Unlock()

	a.logger.Info("Mounted application", "prefix", NormalizePath(prefix), "services", len(copies))
	a.emitAppEvent(EventTypeAppMounted, map[string]any{
		"prefix":   NormalizePath(prefix),
		"services": len(copies),
	})
	return nil
}

// Service resolves a registered path to its wrapper.
func (a *Application) Service(path string) (*WrappedService, error) {
	svc, ok := a.registry.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, NormalizePath(path))
	}
	return svc, nil
}

// ServicePaths lists the registered paths, sorted.
func (a *Application) ServicePaths() []string { return a.registry.Paths() }

// Registry exposes the path registry for transport bridges.
func (a *Application) Registry() *PathRegistry { return a.registry }

// Parent returns the application this one is mounted into, nil for a root
// application.
func (a *Application) Parent() *Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parent
}

func (a *Application) setParent(parent *Application) {
	a.mu.Lock()
	a.parent = parent
	a.mu.Unlock()
}

// UseMiddleware appends application-wide dispatch middleware. It runs for
// every dispatch, before path-scoped middleware.
func (a *Application) UseMiddleware(mw ...Middleware) {
	a.mu.Lock()
	a.globalMW = append(a.globalMW, mw...)
	a.mu.Unlock()
}

// middlewareFor returns the effective chain for a path: global middleware
// followed by the path's own.
func (a *Application) middlewareFor(path string) []Middleware {
	norm := NormalizePath(path)
	a.mu.RLock()
	defer a.mu.RUnlock()
	combined := make([]Middleware, 0, len(a.globalMW)+len(a.routeMW[norm]))
	combined = append(combined, a.globalMW...)
	combined = append(combined, a.routeMW[norm]...)
	return combined
}

// Configure runs a configurator against the application. Configurators that
// implement Bridge join the lifecycle; HTTPAttachers are mounted on the
// router at listen time.
func (a *Application) Configure(c Configurator) error {
	if c == nil {
		return ErrConfiguratorNil
	}
	if err := c.Configure(a); err != nil {
		return fmt.Errorf("configuring %T: %w", c, err)
	}

	a.mu.Lock()
	bridge, isBridge := c.(Bridge)
	if isBridge {
		a.bridges = append(a.bridges, bridge)
	}
	if attacher, ok := c.(HTTPAttacher); ok {
		a.attachers = append(a.attachers, attacher)
	}
	a.mu.Unlock()

	if isBridge {
		a.logger.Debug("Bridge configured", "bridge", bridge.Name())
		a.emitAppEvent(EventTypeBridgeConfigured, map[string]any{"bridge": bridge.Name()})
	}
	return nil
}

// Dispatch resolves the request path and runs the middleware chain and the
// service capability. Every transport bridge funnels through here.
func (a *Application) Dispatch(ctx context.Context, req *Request) (any, error) {
	if req == nil {
		return nil, ErrRequestNil
	}
	a.requests.Add(1)

	req.Path = NormalizePath(req.Path)
	if req.Params == nil {
		req.Params = Params{}
	}

	svc, ok := a.registry.Lookup(req.Path)
	if !ok {
		a.errorCount.Add(1)
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, req.Path)
	}
	if idx := methodIndex(req.Method); idx >= 0 {
		a.methodCounts[idx].Add(1)
	}

	handler := Chain(svc.Dispatch, a.middlewareFor(req.Path)...)
	result, err := handler(ctx, req)
	if err != nil {
		a.errorCount.Add(1)
		a.logger.Debug("Dispatch failed", "path", req.Path, "method", req.Method, "error", err)
	}
	return result, err
}

// Setup runs every registered service's setup hook exactly once. Listen
// calls it implicitly.
func (a *Application) Setup() error {
	a.setupOnce.Do(func() {
		var errs []error
		a.registry.Range(func(path string, svc *WrappedService) bool {
			if err := svc.Setup(a, path); err != nil {
				errs = append(errs, fmt.Errorf("setting up service %q: %w", path, err))
			}
			return true
		})
		a.setupErr = errors.Join(errs...)
	})
	return a.setupErr
}

// Listen starts serving on addr: it mounts every HTTPAttacher on a fresh
// router, runs service setup hooks, starts the bridges, and serves in the
// background. It returns once the listener is bound; use Run to block.
func (a *Application) Listen(addr string) error {
	return a.ListenContext(context.Background(), addr)
}

// ListenContext is Listen with the context handed to bridge Start calls.
func (a *Application) ListenContext(ctx context.Context, addr string) error {
	if !a.status.CompareAndSwap(statusIdle, statusListening) {
		if a.status.Load() == statusClosed {
			return ErrAppClosed
		}
		return ErrAppAlreadyListening
	}

	router := chi.NewRouter()
	a.mu.RLock()
	attachers := append([]HTTPAttacher(nil), a.attachers...)
	bridges := append([]Bridge(nil), a.bridges...)
	a.mu.RUnlock()
	for _, attacher := range attachers {
		attacher.Attach(router)
	}

	if err := a.Setup(); err != nil {
		a.status.Store(statusIdle)
		return err
	}

	var started []Bridge
	for _, bridge := range bridges {
		if err := bridge.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			a.status.Store(statusIdle)
			return fmt.Errorf("starting bridge %q: %w", bridge.Name(), err)
		}
		started = append(started, bridge)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].Stop(ctx)
		}
		a.status.Store(statusIdle)
		return fmt.Errorf("binding %q: %w", addr, err)
	}

	a.mu.Lock()
	a.listener = listener
	a.server = &http.Server{
		Handler:           router,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}
	server := a.server
	a.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	a.logger.Info("Application listening", "addr", listener.Addr().String(), "services", a.registry.Len())
	a.emitAppEvent(EventTypeAppStarted, map[string]any{"addr": listener.Addr().String()})
	return nil
}

// Run listens on addr and blocks until SIGINT/SIGTERM or context
// cancellation, then closes the application.
func (a *Application) Run(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.ListenContext(ctx, addr); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Addr reports the bound listener address, "" before Listen.
func (a *Application) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Close stops the bridges in reverse order, shuts the HTTP server down
// gracefully, and closes every registered service. Idempotent.
func (a *Application) Close(ctx context.Context) error {
	previous := a.status.Swap(statusClosed)
	if previous == statusClosed {
		return nil
	}

	var errs []error

	a.mu.RLock()
	bridges := append([]Bridge(nil), a.bridges...)
	server := a.server
	a.mu.RUnlock()

	if previous == statusListening {
		for i := len(bridges) - 1; i >= 0; i-- {
			if err := bridges[i].Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stopping bridge %q: %w", bridges[i].Name(), err))
			}
		}
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
			}
		}
	}

	a.registry.Range(func(path string, svc *WrappedService) bool {
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing service %q: %w", path, err))
		}
		return true
	})

	a.emitAppEvent(EventTypeAppStopped, nil)
	a.logger.Info("Application stopped")
	return errors.Join(errs...)
}

// Set stores an application setting.
func (a *Application) Set(key string, value any) {
	a.settingsMu.Lock()
	a.settings[key] = value
	a.settingsMu.Unlock()
}

// Get reads an application setting, nil when unset.
func (a *Application) Get(key string) any {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings[key]
}

// RegisterConfigSection binds a named config section. Bridges register their
// defaults here so LoadConfig can feed every section from shared sources.
func (a *Application) RegisterConfigSection(name string, provider ConfigProvider) error {
	if provider == nil {
		return fmt.Errorf("%w: section %q", ErrConfigProviderNil, name)
	}
	a.cfgMu.Lock()
	a.cfgSections[name] = provider
	a.cfgMu.Unlock()
	a.logger.Debug("Config section registered", "section", name)
	return nil
}

// ConfigSection resolves a named config section.
func (a *Application) ConfigSection(name string) (ConfigProvider, error) {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	provider, ok := a.cfgSections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConfigSectionNotFound, name)
	}
	return provider, nil
}

// ConfigSections lists the registered section names, sorted.
func (a *Application) ConfigSections() []string {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	names := make([]string, 0, len(a.cfgSections))
	for name := range a.cfgSections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig feeds every registered config section: defaults from struct
// tags first, then each feeder in order. Sections whose provider does not
// return a pointer are skipped.
func (a *Application) LoadConfig(feeders ...Feeder) error {
	plan := NewConfig()
	for _, feeder := range feeders {
		plan.AddFeeder(feeder)
	}
	a.cfgMu.RLock()
	for name, provider := range a.cfgSections {
		target := provider.GetConfig()
		if !isPointer(target) {
			a.logger.Debug("Skipping non-pointer config section", "section", name)
			continue
		}
		plan.AddStructKey(name, target)
	}
	a.cfgMu.RUnlock()
	return plan.Feed()
}

// Stats snapshots the dispatch counters plus event delivery totals across
// all registered services.
func (a *Application) Stats() DispatchStats {
	stats := DispatchStats{
		Requests: a.requests.Load(),
		Errors:   a.errorCount.Load(),
		ByMethod: make(map[Method]uint64, len(Methods)),
	}
	for i, m := range Methods {
		stats.ByMethod[m] = a.methodCounts[i].Load()
	}
	seen := make(map[*WrappedService]bool)
	a.registry.Range(func(_ string, svc *WrappedService) bool {
		if seen[svc] {
			return true
		}
		seen[svc] = true
		es := svc.Stats()
		stats.Events.Emitted += es.Emitted
		stats.Events.Delivered += es.Delivered
		stats.Events.Dropped += es.Dropped
		return true
	})
	return stats
}

func methodIndex(m Method) int {
	for i, known := range Methods {
		if known == m {
			return i
		}
	}
	return -1
}

func isPointer(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Pointer
}

package plume

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	name     string
	startErr error
	started  atomic.Int64
	stopped  atomic.Int64
}

func (b *fakeBridge) Configure(*Application) error { return nil }
func (b *fakeBridge) Name() string                 { return b.name }

func (b *fakeBridge) Start(context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.started.Add(1)
	return nil
}

func (b *fakeBridge) Stop(context.Context) error {
	b.stopped.Add(1)
	return nil
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	return New(WithLogger(&testLogger{}))
}

func TestNewRegistersAppConfigSection(t *testing.T) {
	app := newTestApp(t)

	provider, err := app.ConfigSection(SectionApp)
	require.NoError(t, err)
	assert.Same(t, app.Config(), provider.GetConfig())
	assert.Equal(t, "plume", app.Name())
}

func TestUseRegistersService(t *testing.T) {
	app := newTestApp(t)

	svc, err := app.Use("/todo/", &counterService{})
	require.NoError(t, err)
	assert.Equal(t, "todo", svc.Path())

	// Every path spelling resolves to the same wrapper.
	for _, spelling := range []string{"todo", "/todo", "todo/", "  /todo/  "} {
		got, err := app.Service(spelling)
		require.NoError(t, err, "spelling %q", spelling)
		assert.Same(t, svc, got)
	}
	assert.Equal(t, []string{"todo"}, app.ServicePaths())
}

func TestUseRejectsInvalidService(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Use("todo", nil)
	assert.ErrorIs(t, err, ErrServiceNil)

	_, err = app.Use("todo", struct{}{})
	assert.ErrorIs(t, err, ErrServiceInvalid)
}

func TestServiceUnknownPath(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Service("nope")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestDispatchRoutesToService(t *testing.T) {
	app := newTestApp(t)
	_, err := app.Use("todo", &counterService{})
	require.NoError(t, err)

	req := NewRequest(MethodGet, "/todo")
	req.ID = "42"
	result, err := app.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "42"}, result)
}

func TestDispatchUnknownService(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Dispatch(context.Background(), NewRequest(MethodFind, "ghost"))
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Equal(t, 404, StatusOf(err))
}

func TestDispatchNilRequest(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRequestNil)
}

func TestPathMiddlewareScopedToItsService(t *testing.T) {
	app := newTestApp(t)

	var touched []string
	record := func(label string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (any, error) {
				touched = append(touched, label+"/"+req.Path)
				return next(ctx, req)
			}
		}
	}

	_, err := app.Use("todo", &counterService{}, record("scoped"))
	require.NoError(t, err)
	_, err = app.Use("other-todo", &counterService{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = app.Dispatch(ctx, NewRequest(MethodFind, "todo"))
	require.NoError(t, err)
	_, err = app.Dispatch(ctx, NewRequest(MethodFind, "other-todo"))
	require.NoError(t, err)

	// The scoped middleware never sees the sibling's traffic.
	assert.Equal(t, []string{"scoped/todo"}, touched)
}

func TestGlobalMiddlewareRunsBeforePathMiddleware(t *testing.T) {
	app := newTestApp(t)

	var order []string
	tag := func(label string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (any, error) {
				order = append(order, label)
				return next(ctx, req)
			}
		}
	}

	_, err := app.Use("todo", &counterService{}, tag("path"))
	require.NoError(t, err)
	app.UseMiddleware(tag("global"))

	_, err = app.Dispatch(context.Background(), NewRequest(MethodFind, "todo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"global", "path"}, order)
}

func TestMountSharesServiceInstances(t *testing.T) {
	parent := newTestApp(t)
	child := newTestApp(t)

	childSvc, err := child.Use("todo", &counterService{})
	require.NoError(t, err)

	require.NoError(t, parent.Mount("/api/", child))
	assert.Same(t, parent, child.Parent())

	mountedSvc, err := parent.Service("api/todo")
	require.NoError(t, err)
	assert.Same(t, childSvc, mountedSvc)

	// A mutation through the parent path is visible to child listeners
	// because the wrapped instance is shared.
	fn, ch := collectEvents(1)
	childSvc.On(EventCreated, fn)

	req := NewRequest(MethodCreate, "api/todo")
	req.Data = map[string]any{"text": "shared"}
	_, err = parent.Dispatch(context.Background(), req)
	require.NoError(t, err)
	waitEvent(t, ch)
}

func TestMountCarriesChildMiddleware(t *testing.T) {
	parent := newTestApp(t)
	child := newTestApp(t)

	var hits atomic.Int64
	counted := func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			hits.Add(1)
			return next(ctx, req)
		}
	}
	_, err := child.Use("todo", &counterService{}, counted)
	require.NoError(t, err)
	require.NoError(t, parent.Mount("v1", child))

	_, err = parent.Dispatch(context.Background(), NewRequest(MethodFind, "v1/todo"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestMountSnapshotsChildRegistry(t *testing.T) {
	parent := newTestApp(t)
	child := newTestApp(t)

	_, err := child.Use("todo", &counterService{})
	require.NoError(t, err)
	require.NoError(t, parent.Mount("api", child))

	// Registered after the mount: child-local only.
	_, err = child.Use("late", &counterService{})
	require.NoError(t, err)

	_, err = parent.Service("api/late")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	_, err = child.Service("late")
	assert.NoError(t, err)
}

func TestMountValidation(t *testing.T) {
	app := newTestApp(t)

	assert.ErrorIs(t, app.Mount("api", nil), ErrMountNilApp)
	assert.ErrorIs(t, app.Mount("api", app), ErrMountSelf)

	child := newTestApp(t)
	_, err := app.Use("api", child, func(next Handler) Handler { return next })
	assert.ErrorIs(t, err, ErrMountWithMiddleware)
}

func TestUseMountsApplications(t *testing.T) {
	parent := newTestApp(t)
	child := newTestApp(t)
	_, err := child.Use("todo", &counterService{})
	require.NoError(t, err)

	svc, err := parent.Use("api", child)
	require.NoError(t, err)
	assert.Nil(t, svc)

	_, err = parent.Service("api/todo")
	assert.NoError(t, err)
}

func TestConfigureValidation(t *testing.T) {
	app := newTestApp(t)

	assert.ErrorIs(t, app.Configure(nil), ErrConfiguratorNil)

	ran := false
	require.NoError(t, app.Configure(ConfiguratorFunc(func(got *Application) error {
		ran = true
		assert.Same(t, app, got)
		return nil
	})))
	assert.True(t, ran)

	wantErr := errors.New("bad wiring")
	err := app.Configure(ConfiguratorFunc(func(*Application) error { return wantErr }))
	assert.ErrorIs(t, err, wantErr)
}

func TestListenLifecycle(t *testing.T) {
	app := newTestApp(t)
	inner := &setupService{}
	_, err := app.Use("todo", inner)
	require.NoError(t, err)

	bridge := &fakeBridge{name: "fake"}
	require.NoError(t, app.Configure(bridge))

	require.NoError(t, app.Listen("127.0.0.1:0"))
	defer func() { _ = app.Close(context.Background()) }()

	assert.NotEmpty(t, app.Addr())
	assert.Equal(t, int64(1), bridge.started.Load())
	assert.Equal(t, int64(1), inner.calls.Load())

	assert.ErrorIs(t, app.Listen("127.0.0.1:0"), ErrAppAlreadyListening)

	require.NoError(t, app.Close(context.Background()))
	assert.Equal(t, int64(1), bridge.stopped.Load())

	// Idempotent close, and no restart after close.
	require.NoError(t, app.Close(context.Background()))
	assert.Equal(t, int64(1), bridge.stopped.Load())
	assert.ErrorIs(t, app.Listen("127.0.0.1:0"), ErrAppClosed)
}

func TestListenRollsBackOnBridgeFailure(t *testing.T) {
	app := newTestApp(t)

	healthy := &fakeBridge{name: "healthy"}
	broken := &fakeBridge{name: "broken", startErr: errors.New("no upstream")}
	require.NoError(t, app.Configure(healthy))
	require.NoError(t, app.Configure(broken))

	err := app.Listen("127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, int64(1), healthy.stopped.Load())
	assert.Empty(t, app.Addr())

	// The failed start leaves the application idle, so a fixed setup can
	// listen again.
	broken.startErr = nil
	require.NoError(t, app.Listen("127.0.0.1:0"))
	_ = app.Close(context.Background())
}

func TestServiceRegisteredAfterListenGetsSetup(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, app.Listen("127.0.0.1:0"))
	defer func() { _ = app.Close(context.Background()) }()

	inner := &setupService{}
	_, err := app.Use("todo", inner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, "todo", inner.path)
}

func TestCloseClosesServices(t *testing.T) {
	app := newTestApp(t)
	inner := &closableService{}
	_, err := app.Use("todo", inner)
	require.NoError(t, err)

	require.NoError(t, app.Close(context.Background()))
	assert.True(t, inner.closed.Load())
}

func TestSettings(t *testing.T) {
	app := newTestApp(t)

	assert.Nil(t, app.Get("env"))
	app.Set("env", "production")
	assert.Equal(t, "production", app.Get("env"))
}

func TestConfigSections(t *testing.T) {
	app := newTestApp(t)

	type bridgeCfg struct {
		Path string `default:"/ws"`
	}
	cfg := &bridgeCfg{}
	require.NoError(t, app.RegisterConfigSection("socket", NewStdConfigProvider(cfg)))
	assert.Equal(t, []string{SectionApp, "socket"}, app.ConfigSections())

	err := app.RegisterConfigSection("broken", nil)
	assert.ErrorIs(t, err, ErrConfigProviderNil)

	_, err = app.ConfigSection("missing")
	assert.ErrorIs(t, err, ErrConfigSectionNotFound)

	require.NoError(t, app.LoadConfig())
	assert.Equal(t, "/ws", cfg.Path)
}

func TestLoadConfigSkipsNonPointerSections(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, app.RegisterConfigSection("static", NewStdConfigProvider(struct{ Name string }{Name: "x"})))
	assert.NoError(t, app.LoadConfig())
}

func TestStatsCountsDispatches(t *testing.T) {
	app := newTestApp(t)
	_, err := app.Use("todo", &counterService{})
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = app.Dispatch(ctx, NewRequest(MethodFind, "todo"))
	req := NewRequest(MethodCreate, "todo")
	req.Data = "x"
	_, _ = app.Dispatch(ctx, req)
	_, _ = app.Dispatch(ctx, NewRequest(MethodFind, "ghost"))

	stats := app.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, uint64(1), stats.ByMethod[MethodFind])
	assert.Equal(t, uint64(1), stats.ByMethod[MethodCreate])

	require.Eventually(t, func() bool {
		return app.Stats().Events.Emitted >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsDeduplicatesMountedServices(t *testing.T) {
	parent := newTestApp(t)
	child := newTestApp(t)
	svc, err := child.Use("todo", &counterService{})
	require.NoError(t, err)
	require.NoError(t, parent.Mount("api", child))

	fn, ch := collectEvents(1)
	svc.On(EventCreated, fn)

	req := NewRequest(MethodCreate, "api/todo")
	req.Data = "x"
	_, err = parent.Dispatch(context.Background(), req)
	require.NoError(t, err)
	waitEvent(t, ch)

	require.Eventually(t, func() bool {
		return parent.Stats().Events.Emitted == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	app := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return app.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestMethodIndexCoversAllMethods(t *testing.T) {
	for _, m := range Methods {
		assert.GreaterOrEqual(t, methodIndex(m), 0, "method %s", m)
	}
	assert.Equal(t, -1, methodIndex(Method("explode")))
}

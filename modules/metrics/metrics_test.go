package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/plume"
	"github.com/GoCodeAlone/plume/modules/memstore"
)

// fakeStatsd records exporter traffic.
type fakeStatsd struct {
	mu     sync.Mutex
	counts map[string]int64
	gauges map[string]float64
	closed bool
}

func newFakeStatsd() *fakeStatsd {
	return &fakeStatsd{counts: map[string]int64{}, gauges: map[string]float64{}}
}

func statKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return name + "|" + strings.Join(tags, ",")
}

func (f *fakeStatsd) Gauge(name string, value float64, tags []string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges[statKey(name, tags)] = value
	return nil
}

func (f *fakeStatsd) Count(name string, value int64, tags []string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[statKey(name, tags)] += value
	return nil
}

func (f *fakeStatsd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStatsd) count(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *fakeStatsd) gauge(key string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gauges[key]
}

func newMeteredApp(t *testing.T, m *Module) *plume.Application {
	t.Helper()
	app := plume.New()
	_, err := app.Use("todo", memstore.New())
	require.NoError(t, err)
	require.NoError(t, app.Configure(m))
	return app
}

func scrape(t *testing.T, m *Module, path string) string {
	t.Helper()
	router := chi.NewRouter()
	m.Attach(router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestPrometheusEndpoint(t *testing.T) {
	m := New()
	app := newMeteredApp(t, m)
	ctx := context.Background()

	createReq := plume.NewRequest(plume.MethodCreate, "todo")
	createReq.Data = map[string]any{"text": "measure"}
	_, err := app.Dispatch(ctx, createReq)
	require.NoError(t, err)
	_, err = app.Dispatch(ctx, plume.NewRequest(plume.MethodFind, "todo"))
	require.NoError(t, err)
	missing := plume.NewRequest(plume.MethodGet, "todo")
	missing.ID = "missing"
	_, err = app.Dispatch(ctx, missing)
	require.Error(t, err)

	body := scrape(t, m, "/metrics")
	assert.Contains(t, body, "plume_requests_total 3")
	assert.Contains(t, body, "plume_request_errors_total 1")
	assert.Contains(t, body, `plume_requests_by_method_total{method="create"} 1`)
	assert.Contains(t, body, `plume_requests_by_method_total{method="find"} 1`)
	assert.Contains(t, body, `plume_requests_by_method_total{method="get"} 1`)
	assert.Contains(t, body, "plume_services 1")
}

func TestPrometheusCountsEvents(t *testing.T) {
	m := New()
	app := newMeteredApp(t, m)

	svc, err := app.Service("todo")
	require.NoError(t, err)
	svc.On(plume.EventCreated, func(plume.Event) {})

	createReq := plume.NewRequest(plume.MethodCreate, "todo")
	createReq.Data = map[string]any{"text": "emit"}
	_, err = app.Dispatch(context.Background(), createReq)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		body := scrape(t, m, "/metrics")
		return strings.Contains(body, "plume_events_emitted_total 1") &&
			strings.Contains(body, "plume_events_delivered_total 1") &&
			strings.Contains(body, `plume_service_events_emitted_total{service="todo"} 1`) &&
			strings.Contains(body, `plume_service_events_delivered_total{service="todo"} 1`)
	}, 3*time.Second, 25*time.Millisecond)
}

func TestPrometheusCustomPath(t *testing.T) {
	m := New(WithConfig(Config{Path: "telemetry", FlushInterval: 10 * time.Second}))
	newMeteredApp(t, m)

	body := scrape(t, m, "/telemetry")
	assert.Contains(t, body, "plume_services 1")
}

func TestStatsdExport(t *testing.T) {
	fake := newFakeStatsd()
	m := New(
		WithConfig(Config{Path: "/metrics", FlushInterval: 20 * time.Millisecond}),
		WithStatsdClient(fake),
	)
	app := newMeteredApp(t, m)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		req := plume.NewRequest(plume.MethodCreate, "todo")
		req.Data = map[string]any{"text": "pushed"}
		_, err := app.Dispatch(ctx, req)
		require.NoError(t, err)
	}
	_, err := app.Dispatch(ctx, plume.NewRequest(plume.MethodFind, "todo"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fake.count("requests") == 3 &&
			fake.count("requests_by_method|method:create") == 2 &&
			fake.gauge("services") == 1
	}, 3*time.Second, 20*time.Millisecond)

	// The module does not own an injected client.
	require.NoError(t, m.Stop(context.Background()))
	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	assert.False(t, closed)
}

func TestStatsdDisabledByDefault(t *testing.T) {
	m := New()
	newMeteredApp(t, m)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

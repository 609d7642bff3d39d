// Package metrics exposes the application's dispatch and event counters.
// A prometheus registry scrapes them on demand at the configured path, and
// an optional DogStatsD exporter pushes counter deltas on an interval.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/plume"
)

// StatsdClient is the slice of the DogStatsD client the exporter uses.
type StatsdClient interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Close() error
}

// Module serves prometheus scrapes and, when an address is configured,
// pushes to DogStatsD.
type Module struct {
	app      *plume.Application
	cfg      *Config
	registry *prometheus.Registry

	statsd     StatsdClient
	ownsClient bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option customizes a Module.
type Option func(*Module)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(m *Module) { *m.cfg = cfg }
}

// WithStatsdClient supplies a client directly instead of dialing the
// configured address. The caller keeps ownership.
func WithStatsdClient(client StatsdClient) Option {
	return func(m *Module) { m.statsd = client }
}

// New builds a metrics module with default configuration.
func New(opts ...Option) *Module {
	cfg := &Config{}
	if err := plume.ApplyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("metrics: invalid config defaults: %v", err))
	}
	m := &Module{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the prometheus registry, for callers that want to add
// their own collectors next to the application's.
func (m *Module) Registry() *prometheus.Registry { return m.registry }

// Configure wires the module to the application, builds the registry and
// registers the config section.
func (m *Module) Configure(app *plume.Application) error {
	m.app = app
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(newCollector(app))
	return app.RegisterConfigSection(SectionName, plume.NewStdConfigProvider(m.cfg))
}

// Name identifies the module in the bridge lifecycle.
func (m *Module) Name() string { return "metrics" }

// Attach mounts the prometheus endpoint on the application router.
func (m *Module) Attach(router chi.Router) {
	router.Method(http.MethodGet, m.endpoint(), promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Start launches the DogStatsD flusher when an address or client is
// present.
func (m *Module) Start(context.Context) error {
	if m.statsd == nil {
		if m.cfg.StatsdAddr == "" {
			return nil
		}
		client, err := statsd.New(m.cfg.StatsdAddr, statsd.WithNamespace("plume"))
		if err != nil {
			return fmt.Errorf("metrics: dialing statsd: %w", err)
		}
		m.statsd = client
		m.ownsClient = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.flushLoop(ctx)
	m.app.Logger().Info("Metrics started", "path", m.endpoint(), "statsd", m.cfg.StatsdAddr != "" || m.statsd != nil)
	return nil
}

// Stop ends the flusher and closes an exporter client the module opened.
func (m *Module) Stop(context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if m.statsd != nil && m.ownsClient {
		return m.statsd.Close()
	}
	return nil
}

func (m *Module) endpoint() string {
	if m.cfg.Path == "" {
		return "/metrics"
	}
	if m.cfg.Path[0] != '/' {
		return "/" + m.cfg.Path
	}
	return m.cfg.Path
}

// flushLoop pushes counter deltas every interval until stopped, with one
// final flush on the way out.
func (m *Module) flushLoop(ctx context.Context) {
	defer close(m.done)
	interval := m.cfg.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last plume.DispatchStats
	for {
		select {
		case <-ctx.Done():
			m.flush(&last)
			return
		case <-ticker.C:
			m.flush(&last)
		}
	}
}

func (m *Module) flush(last *plume.DispatchStats) {
	stats := m.app.Stats()

	m.count("requests", stats.Requests-last.Requests, nil)
	m.count("request_errors", stats.Errors-last.Errors, nil)
	for method, v := range stats.ByMethod {
		m.count("requests_by_method", v-last.ByMethod[method], []string{"method:" + string(method)})
	}
	m.count("events_emitted", stats.Events.Emitted-last.Events.Emitted, nil)
	m.count("events_delivered", stats.Events.Delivered-last.Events.Delivered, nil)
	m.count("events_dropped", stats.Events.Dropped-last.Events.Dropped, nil)
	if err := m.statsd.Gauge("services", float64(m.app.Registry().Len()), nil, 1); err != nil {
		m.app.Logger().Debug("Statsd gauge failed", "error", err)
	}

	*last = stats
}

func (m *Module) count(name string, delta uint64, tags []string) {
	if delta == 0 {
		return
	}
	if err := m.statsd.Count(name, int64(delta), tags, 1); err != nil {
		m.app.Logger().Debug("Statsd count failed", "metric", name, "error", err)
	}
}

// collector reads the application's counters on every scrape.
type collector struct {
	app *plume.Application

	requests     *prometheus.Desc
	errors       *prometheus.Desc
	byMethod     *prometheus.Desc
	emitted      *prometheus.Desc
	delivered    *prometheus.Desc
	dropped      *prometheus.Desc
	svcEmitted   *prometheus.Desc
	svcDelivered *prometheus.Desc
	svcDropped   *prometheus.Desc
	services     *prometheus.Desc
}

func newCollector(app *plume.Application) *collector {
	return &collector{
		app:          app,
		requests:     prometheus.NewDesc("plume_requests_total", "Dispatch attempts, including failed lookups.", nil, nil),
		errors:       prometheus.NewDesc("plume_request_errors_total", "Dispatches that returned an error.", nil, nil),
		byMethod:     prometheus.NewDesc("plume_requests_by_method_total", "Dispatches per service method.", []string{"method"}, nil),
		emitted:      prometheus.NewDesc("plume_events_emitted_total", "Service events emitted.", nil, nil),
		delivered:    prometheus.NewDesc("plume_events_delivered_total", "Event deliveries to listeners.", nil, nil),
		dropped:      prometheus.NewDesc("plume_events_dropped_total", "Event deliveries dropped on slow listeners.", nil, nil),
		svcEmitted:   prometheus.NewDesc("plume_service_events_emitted_total", "Service events emitted, per registered path.", []string{"service"}, nil),
		svcDelivered: prometheus.NewDesc("plume_service_events_delivered_total", "Event deliveries to listeners, per registered path.", []string{"service"}, nil),
		svcDropped:   prometheus.NewDesc("plume_service_events_dropped_total", "Event deliveries dropped on slow listeners, per registered path.", []string{"service"}, nil),
		services:     prometheus.NewDesc("plume_services", "Registered service paths.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.errors
	ch <- c.byMethod
	ch <- c.emitted
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.svcEmitted
	ch <- c.svcDelivered
	ch <- c.svcDropped
	ch <- c.services
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.app.Stats()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.Requests))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(stats.Errors))
	for method, v := range stats.ByMethod {
		ch <- prometheus.MustNewConstMetric(c.byMethod, prometheus.CounterValue, float64(v), string(method))
	}
	ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(stats.Events.Emitted))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.Events.Delivered))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.Events.Dropped))
	// One series per path keeps label values unique even when the same
	// wrapper is bound under several paths.
	c.app.Registry().Range(func(path string, svc *plume.WrappedService) bool {
		es := svc.Stats()
		ch <- prometheus.MustNewConstMetric(c.svcEmitted, prometheus.CounterValue, float64(es.Emitted), path)
		ch <- prometheus.MustNewConstMetric(c.svcDelivered, prometheus.CounterValue, float64(es.Delivered), path)
		ch <- prometheus.MustNewConstMetric(c.svcDropped, prometheus.CounterValue, float64(es.Dropped), path)
		return true
	})
	ch <- prometheus.MustNewConstMetric(c.services, prometheus.GaugeValue, float64(c.app.Registry().Len()))
}

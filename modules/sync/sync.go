// Package sync replicates service events across application instances. A
// coordinator publishes every local service event as an envelope on an
// engine (in-process bus, redis pub/sub or NATS) and injects envelopes from
// other instances back into the matching local service, so listeners and
// socket clients on every node see every node's events.
//
// Injected events do not travel through the observer plane again, which is
// what keeps two coordinated instances from echoing envelopes forever.
package sync

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/plume"
)

// Coordinator wires an application's event plane to an Engine.
type Coordinator struct {
	app      *plume.Application
	cfg      *Config
	engine   Engine
	origin   string
	observer plume.Observer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEngine supplies the transport, overriding the config section.
func WithEngine(engine Engine) Option {
	return func(c *Coordinator) { c.engine = engine }
}

// New builds a coordinator. Without WithEngine, the engine is built from the
// sync config section when the coordinator starts.
func New(opts ...Option) *Coordinator {
	cfg := &Config{}
	if err := plume.ApplyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("sync: invalid config defaults: %v", err))
	}
	c := &Coordinator{cfg: cfg, origin: uuid.NewString()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Origin returns this coordinator's envelope origin id.
func (c *Coordinator) Origin() string { return c.origin }

// Configure wires the coordinator to the application and registers its
// config section.
func (c *Coordinator) Configure(app *plume.Application) error {
	c.app = app
	return app.RegisterConfigSection(SectionName, plume.NewStdConfigProvider(c.cfg))
}

// Name identifies the coordinator in the bridge lifecycle.
func (c *Coordinator) Name() string { return "sync" }

// Start subscribes to the engine and begins publishing local service events.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.engine == nil {
		engine, err := buildEngine(c.cfg)
		if err != nil {
			return err
		}
		c.engine = engine
	}
	if err := c.engine.Subscribe(ctx, c.inject); err != nil {
		return fmt.Errorf("sync: subscribing: %w", err)
	}

	c.observer = plume.NewFunctionalObserver("sync.publisher", c.publish)
	if err := c.app.RegisterObserver(c.observer, plume.EventTypeServiceEvent); err != nil {
		return err
	}
	c.app.Logger().Info("Sync coordinator started", "origin", c.origin)
	return nil
}

// Stop detaches from the observer plane and closes the engine.
func (c *Coordinator) Stop(context.Context) error {
	if c.observer != nil {
		if err := c.app.UnregisterObserver(c.observer); err != nil {
			c.app.Logger().Warn("Unregistering sync observer", "error", err)
		}
	}
	if c.engine != nil {
		return c.engine.Close()
	}
	return nil
}

// publish stamps a local service event with this coordinator's origin and
// hands it to the engine.
func (c *Coordinator) publish(ctx context.Context, ev cloudevents.Event) error {
	var data plume.ServiceEventData
	if err := ev.DataAs(&data); err != nil {
		return err
	}
	env := Envelope{
		Origin:    c.origin,
		Service:   data.Path,
		Event:     data.Event.Name,
		Data:      data.Event.Data,
		EventID:   data.Event.ID,
		EmittedAt: data.Event.EmittedAt,
	}
	if err := c.engine.Publish(ctx, env); err != nil {
		return fmt.Errorf("sync: publishing %s %s: %w", env.Service, env.Event, err)
	}
	return nil
}

// inject relays a foreign envelope into the local service it names. Own
// envelopes and envelopes for services this instance does not run are
// dropped.
func (c *Coordinator) inject(env Envelope) {
	if env.Origin == c.origin {
		return
	}
	svc, err := c.app.Service(env.Service)
	if err != nil {
		c.app.Logger().Debug("Sync envelope for unknown service", "service", env.Service, "event", env.Event)
		return
	}
	svc.Relay(plume.Event{
		Service:   env.Service,
		Name:      env.Event,
		Data:      env.Data,
		ID:        env.EventID,
		EmittedAt: env.EmittedAt,
	})
}

// buildEngine constructs the transport named by the config section.
func buildEngine(cfg *Config) (Engine, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemoryEngine(nil), nil
	case "redis":
		return OpenRedisEngine(cfg.RedisAddr, cfg.RedisChannel), nil
	case "nats":
		return OpenNATSEngine(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("sync: unknown engine %q", cfg.Engine)
	}
}

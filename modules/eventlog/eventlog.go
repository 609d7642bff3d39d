// Package eventlog mirrors framework lifecycle events and service events into
// the application log. It is a passive observer: useful in development to
// watch the event plane, and in production as a cheap audit trail when scoped
// with the allow-list.
package eventlog

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/plume"
)

// SectionName is the config section the recorder registers its settings
// under.
const SectionName = "eventlog"

// Config holds the recorder settings.
type Config struct {
	// Events is an allow-list matched against service event names and
	// lifecycle event types; empty logs every event.
	Events []string `yaml:"events" desc:"Allow-list of service event names and lifecycle event types; empty logs every event" env:"PLUME_EVENTLOG_EVENTS"`
}

// Recorder logs framework lifecycle events and every service event the
// application announces.
type Recorder struct {
	app      *plume.Application
	cfg      *Config
	observer plume.Observer
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithEvents presets the allow-list, overriding the config section.
func WithEvents(names ...string) Option {
	return func(r *Recorder) { r.cfg.Events = append([]string(nil), names...) }
}

// New builds a recorder that logs everything unless scoped by WithEvents or
// the eventlog config section.
func New(opts ...Option) *Recorder {
	r := &Recorder{cfg: &Config{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure wires the recorder to the application and registers its config
// section.
func (r *Recorder) Configure(app *plume.Application) error {
	r.app = app
	return app.RegisterConfigSection(SectionName, plume.NewStdConfigProvider(r.cfg))
}

// Name identifies the recorder in the bridge lifecycle.
func (r *Recorder) Name() string { return "eventlog" }

// Start attaches the recorder to the observer plane. With no filter argument
// the registration covers every event type, so lifecycle events land in the
// log alongside the service events.
func (r *Recorder) Start(context.Context) error {
	allowed := map[string]bool{}
	for _, name := range r.cfg.Events {
		allowed[name] = true
	}
	r.observer = plume.NewFunctionalObserver("eventlog", func(_ context.Context, ev cloudevents.Event) error {
		if ev.Type() != plume.EventTypeServiceEvent {
			if len(allowed) > 0 && !allowed[ev.Type()] {
				return nil
			}
			r.app.Logger().Info("Framework event",
				"type", ev.Type(),
				"source", ev.Source(),
				"id", ev.ID(),
			)
			return nil
		}
		var data plume.ServiceEventData
		if err := ev.DataAs(&data); err != nil {
			return err
		}
		if len(allowed) > 0 && !allowed[data.Event.Name] {
			return nil
		}
		r.app.Logger().Info("Service event",
			"service", data.Path,
			"event", data.Event.Name,
			"id", data.Event.ID,
		)
		return nil
	})
	return r.app.RegisterObserver(r.observer)
}

// Stop detaches the recorder.
func (r *Recorder) Stop(context.Context) error {
	if r.observer == nil {
		return nil
	}
	return r.app.UnregisterObserver(r.observer)
}

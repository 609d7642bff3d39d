package plume

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Framework observer event types, in reverse-domain form. Observers filter
// registrations by these.
const (
	// EventTypeServiceRegistered fires when a service is bound to a path.
	EventTypeServiceRegistered = "com.plume.service.registered"
	// EventTypeServiceEvent fires once per local service event (lifecycle or
	// custom); its data is a ServiceEventData.
	EventTypeServiceEvent = "com.plume.service.event"
	// EventTypeAppMounted fires when a sub-application is mounted.
	EventTypeAppMounted = "com.plume.app.mounted"
	// EventTypeBridgeConfigured fires when a transport bridge is configured.
	EventTypeBridgeConfigured = "com.plume.bridge.configured"
	// EventTypeAppStarted fires when the application begins listening.
	EventTypeAppStarted = "com.plume.app.started"
	// EventTypeAppStopped fires when the application shuts down.
	EventTypeAppStopped = "com.plume.app.stopped"
)

// ServiceEventData is the payload of an EventTypeServiceEvent observer
// notification: the registry path the event was announced under plus the
// service event itself.
type ServiceEventData struct {
	Path  string `json:"path"`
	Event Event  `json:"event"`
}

// Observer receives application-level CloudEvents. Implementations must be
// safe for concurrent OnEvent calls; notifications run on their own
// goroutines.
type Observer interface {
	// OnEvent handles a single event. Errors are logged, not propagated.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID uniquely identifies the observer for registration and
	// removal.
	ObserverID() string
}

// ObserverInfo describes one registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Subject is the application-side observer registry. An empty eventTypes
// registration observes everything.
type Subject interface {
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	GetObservers() []ObserverInfo
}

// FunctionalObserver adapts a function to the Observer interface.
type FunctionalObserver struct {
	id string
	fn func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver wraps fn as an Observer with the given id.
func NewFunctionalObserver(id string, fn func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, fn: fn}
}

func (o *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return o.fn(ctx, event)
}

func (o *FunctionalObserver) ObserverID() string { return o.id }

package plume

import (
	"context"
	"fmt"
	"sort"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// observerRegistration tracks one observer and its event-type filter. An
// empty filter observes every event type.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]struct{}
	registeredAt time.Time
}

func (r *observerRegistration) wants(eventType string) bool {
	if len(r.eventTypes) == 0 {
		return true
	}
	_, ok := r.eventTypes[eventType]
	return ok
}

// RegisterObserver subscribes an observer to application events, optionally
// filtered to specific event types. Re-registering an observer id replaces
// its filter.
func (a *Application) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	reg := &observerRegistration{
		observer:     observer,
		eventTypes:   make(map[string]struct{}, len(eventTypes)),
		registeredAt: time.Now(),
	}
	for _, t := range eventTypes {
		reg.eventTypes[t] = struct{}{}
	}

	a.observerMu.Lock()
	a.observers[observer.ObserverID()] = reg
	a.observerMu.Unlock()

	a.logger.Debug("Observer registered", "observer", observer.ObserverID(), "eventTypes", len(eventTypes))
	return nil
}

// UnregisterObserver removes an observer.
func (a *Application) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	a.observerMu.Lock()
	defer a.observerMu.Unlock()
	if _, ok := a.observers[observer.ObserverID()]; !ok {
		return fmt.Errorf("%w: %q", ErrObserverNotFound, observer.ObserverID())
	}
	delete(a.observers, observer.ObserverID())
	return nil
}

// NotifyObservers validates the event and delivers it to every matching
// observer, each on its own goroutine. Observer errors and panics are
// logged, never propagated.
func (a *Application) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if err := ValidateCloudEvent(event); err != nil {
		return err
	}

	a.observerMu.RLock()
	matching := make([]*observerRegistration, 0, len(a.observers))
	for _, reg := range a.observers {
		if reg.wants(event.Type()) {
			matching = append(matching, reg)
		}
	}
	a.observerMu.RUnlock()

	for _, reg := range matching {
		go func(reg *observerRegistration) {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("Observer panicked", "observer", reg.observer.ObserverID(), "eventType", event.Type(), "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				a.logger.Error("Observer failed", "observer", reg.observer.ObserverID(), "eventType", event.Type(), "error", err)
			}
		}(reg)
	}
	return nil
}

// GetObservers describes the registered observers, sorted by id.
func (a *Application) GetObservers() []ObserverInfo {
	a.observerMu.RLock()
	defer a.observerMu.RUnlock()
	infos := make([]ObserverInfo, 0, len(a.observers))
	for id, reg := range a.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		infos = append(infos, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// emitAppEvent wraps framework data in a CloudEvents envelope and notifies
// observers. Emission failures are logged, not surfaced to the caller.
func (a *Application) emitAppEvent(eventType string, data any) {
	event := NewCloudEvent(eventType, a.cfg.Name, data, nil)
	if err := a.NotifyObservers(context.Background(), event); err != nil {
		a.logger.Error("Failed to notify observers", "eventType", eventType, "error", err)
	}
}

// announceServiceEvent publishes a service event to this application's
// observers and to every ancestor's, so observers attached to a parent see
// events from mounted children.
func (a *Application) announceServiceEvent(event Event) {
	ce := NewCloudEvent(EventTypeServiceEvent, a.cfg.Name, ServiceEventData{
		Path:  event.Service,
		Event: event,
	}, map[string]any{"servicepath": event.Service, "serviceevent": event.Name})

	for app := a; app != nil; app = app.Parent() {
		if err := app.NotifyObservers(context.Background(), ce); err != nil {
			app.logger.Error("Failed to announce service event", "path", event.Service, "event", event.Name, "error", err)
		}
	}
}

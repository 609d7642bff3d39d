package plume

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventWildcard subscribes a listener to every event of a service.
const EventWildcard = "*"

// Event is one occurrence delivered to service listeners: a lifecycle event
// emitted by the wrapper after a mutating call, or a custom event emitted by
// the service itself.
type Event struct {
	// Service is the canonical path the emitting service was registered
	// under.
	Service string `json:"service"`
	// Name is the event name (created, updated, patched, removed, or a
	// service-declared custom name).
	Name string `json:"name"`
	// Data is the result that triggered the event.
	Data any `json:"data"`
	// ID uniquely identifies the emission.
	ID string `json:"id"`
	// EmittedAt is the emission timestamp.
	EmittedAt time.Time `json:"emittedAt"`
}

// Listener receives events for a subscription. Listeners run on a dedicated
// goroutine per subscription, in emission order, never concurrently with the
// call that triggered the event.
type Listener func(event Event)

// Subscription identifies one registered listener and allows cancelling it.
type Subscription interface {
	// ID is the unique subscription identifier.
	ID() string
	// Event is the subscribed event name (possibly EventWildcard).
	Event() string
	// Cancel removes the listener. Events already emitted but not yet
	// delivered may be discarded. Cancel is idempotent.
	Cancel()
}

// EmitterStats is a snapshot of an emitter's delivery counters.
type EmitterStats struct {
	Emitted   uint64
	Delivered uint64
	Dropped   uint64
}

const (
	defaultListenerBuffer  = 64
	defaultDeliveryTimeout = 5 * time.Second
)

// Emitter fans events out to listeners with at-most-once delivery per
// emission per listener. The listener set is snapshotted at emission time:
// listeners registered afterwards never observe the event. Each subscription
// owns a buffered channel drained by its own goroutine, preserving
// per-listener ordering; a send that cannot complete within the delivery
// timeout is dropped and counted.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string]map[string]*emitterSubscription
	closed    bool

	buffer  int
	timeout time.Duration

	emitted   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	wg sync.WaitGroup
}

// NewEmitter returns an emitter with default buffering.
func NewEmitter() *Emitter {
	return newEmitter(defaultListenerBuffer, defaultDeliveryTimeout)
}

func newEmitter(buffer int, timeout time.Duration) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Emitter{
		listeners: make(map[string]map[string]*emitterSubscription),
		buffer:    buffer,
		timeout:   timeout,
	}
}

// On registers a listener for an event name (EventWildcard for all events).
// Registering on a closed emitter returns an already-cancelled subscription.
func (e *Emitter) On(event string, fn Listener) Subscription {
	sub := &emitterSubscription{
		id:    uuid.New().String(),
		event: event,
		ch:    make(chan Event, e.buffer),
		done:  make(chan struct{}),
		owner: e,
	}
	if fn == nil {
		sub.Cancel()
		return sub
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Cancel()
		return sub
	}
	byID, ok := e.listeners[event]
	if !ok {
		byID = make(map[string]*emitterSubscription)
		e.listeners[event] = byID
	}
	byID[sub.id] = sub
	e.mu.Unlock()

	e.wg.Add(1)
	go sub.run(fn)
	return sub
}

// Off cancels a subscription previously returned by On.
func (e *Emitter) Off(sub Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}

// Emit delivers an event to every listener subscribed to its name or to the
// wildcard at this moment. Emissions on a closed emitter are discarded.
func (e *Emitter) Emit(event Event) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	snapshot := make([]*emitterSubscription, 0, 4)
	for _, sub := range e.listeners[event.Name] {
		snapshot = append(snapshot, sub)
	}
	if event.Name != EventWildcard {
		for _, sub := range e.listeners[EventWildcard] {
			snapshot = append(snapshot, sub)
		}
	}
	e.mu.RUnlock()

	e.emitted.Add(1)
	for _, sub := range snapshot {
		sub.enqueue(event)
	}
}

// ListenerCount reports how many listeners observe the event name, wildcard
// listeners included.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.listeners[event])
	if event != EventWildcard {
		n += len(e.listeners[EventWildcard])
	}
	return n
}

// EventNames reports the event names with at least one direct listener,
// sorted.
func (e *Emitter) EventNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.listeners))
	for name, byID := range e.listeners {
		if len(byID) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of the delivery counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Emitted:   e.emitted.Load(),
		Delivered: e.delivered.Load(),
		Dropped:   e.dropped.Load(),
	}
}

// Close cancels every subscription and waits for the listener goroutines to
// exit. Further emissions are discarded. Close is idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]*emitterSubscription, 0)
	for _, byID := range e.listeners {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	e.listeners = make(map[string]map[string]*emitterSubscription)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	e.wg.Wait()
}

func (e *Emitter) remove(sub *emitterSubscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byID, ok := e.listeners[sub.event]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(e.listeners, sub.event)
		}
	}
}

type emitterSubscription struct {
	id    string
	event string
	ch    chan Event
	done  chan struct{}
	once  sync.Once
	owner *Emitter
}

func (s *emitterSubscription) ID() string    { return s.id }
func (s *emitterSubscription) Event() string { return s.event }

func (s *emitterSubscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.owner != nil {
			s.owner.remove(s)
		}
	})
}

func (s *emitterSubscription) enqueue(event Event) {
	select {
	case s.ch <- event:
		return
	case <-s.done:
		return
	default:
	}
	// Buffer full: wait up to the delivery timeout, then drop.
	timer := time.NewTimer(s.owner.timeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
	case <-s.done:
	case <-timer.C:
		s.owner.dropped.Add(1)
	}
}

func (s *emitterSubscription) run(fn Listener) {
	defer s.owner.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event := <-s.ch:
			fn(event)
			s.owner.delivered.Add(1)
		}
	}
}

func newEventID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

package sync

import (
	"context"
	gosync "sync"
	"time"
)

// Envelope is the wire form of one service event crossing node boundaries.
type Envelope struct {
	// Origin identifies the publishing coordinator; subscribers drop their
	// own envelopes to avoid echo.
	Origin string `json:"origin"`
	// Service is the registry path the event belongs to.
	Service string `json:"service"`
	// Event is the event name.
	Event string `json:"event"`
	// Data is the event payload.
	Data any `json:"data,omitempty"`
	// EventID is the original emission id.
	EventID string `json:"eventId,omitempty"`
	// EmittedAt is the original emission timestamp.
	EmittedAt time.Time `json:"emittedAt"`
}

// Engine carries envelopes between coordinators. Subscribe wires the handler
// and returns; delivery continues until Close. Handlers must be safe for
// concurrent calls.
type Engine interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, fn func(env Envelope)) error
	Close() error
}

// Bus is an in-process broker for the memory engine. Coordinators sharing a
// bus see each other's envelopes; separate buses are isolated.
type Bus struct {
	mu   gosync.RWMutex
	subs map[int]func(Envelope)
	next int
}

// NewBus builds an empty broker.
func NewBus() *Bus {
	return &Bus{subs: map[int]func(Envelope){}}
}

func (b *Bus) attach(fn func(Envelope)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = fn
	return b.next
}

func (b *Bus) detach(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *Bus) publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		go fn(env)
	}
}

// MemoryEngine is a loopback engine over a shared Bus, for single-process
// deployments and tests.
type MemoryEngine struct {
	bus *Bus

	mu  gosync.Mutex
	ids []int
}

// NewMemoryEngine attaches to a bus; nil means the process-wide default.
func NewMemoryEngine(bus *Bus) *MemoryEngine {
	if bus == nil {
		bus = defaultBus
	}
	return &MemoryEngine{bus: bus}
}

var defaultBus = NewBus()

// Publish fans the envelope out to every bus subscriber, including this
// engine's own.
func (e *MemoryEngine) Publish(_ context.Context, env Envelope) error {
	e.bus.publish(env)
	return nil
}

// Subscribe registers the handler on the bus.
func (e *MemoryEngine) Subscribe(_ context.Context, fn func(Envelope)) error {
	id := e.bus.attach(fn)
	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
	return nil
}

// Close detaches every subscription made through this engine.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	ids := e.ids
	e.ids = nil
	e.mu.Unlock()
	for _, id := range ids {
		e.bus.detach(id)
	}
	return nil
}

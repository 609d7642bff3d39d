package sync

import (
	"context"
	"encoding/json"
	gosync "sync"

	"github.com/nats-io/nats.go"
)

// NATSEngine carries envelopes over a NATS subject.
type NATSEngine struct {
	conn    *nats.Conn
	subject string
	owns    bool

	mu   gosync.Mutex
	subs []*nats.Subscription
}

// NewNATSEngine wraps an existing connection. The caller keeps ownership of
// the connection; Close only unsubscribes.
func NewNATSEngine(conn *nats.Conn, subject string) *NATSEngine {
	return &NATSEngine{conn: conn, subject: subject}
}

// OpenNATSEngine connects to url and owns the resulting connection.
func OpenNATSEngine(url, subject string) (*NATSEngine, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	e := NewNATSEngine(conn, subject)
	e.owns = true
	return e, nil
}

// Publish sends the envelope as JSON on the subject.
func (e *NATSEngine) Publish(_ context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.conn.Publish(e.subject, payload)
}

// Subscribe starts a subject consumer and flushes so the server has the
// subscription before this returns. Payloads that do not decode as
// envelopes are dropped.
func (e *NATSEngine) Subscribe(_ context.Context, fn func(Envelope)) error {
	sub, err := e.conn.Subscribe(e.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		fn(env)
	})
	if err != nil {
		return err
	}
	if err := e.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return nil
}

// Close unsubscribes and, when the engine opened the connection, drains it.
func (e *NATSEngine) Close() error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if e.owns {
		e.conn.Close()
	}
	return nil
}

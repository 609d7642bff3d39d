// Package socket bridges websocket traffic onto the dispatch pipeline. A
// connected client sends call frames naming a service and method as
// "<path>::<method>" and receives one ack frame per call, matched by seq.
// Every service event is pushed to all connected clients as an event frame
// named "<path> <event>".
//
// Services registered after the bridge started are picked up through the
// application's observer plane, so late registrations relay too.
package socket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/plume"
)

// Frame types carried on the wire.
const (
	// FrameCall invokes a service method; clients send these.
	FrameCall = "call"
	// FrameAck answers exactly one call, matched by seq.
	FrameAck = "ack"
	// FrameEvent pushes a service event; the bridge sends these.
	FrameEvent = "event"
)

// callSeparator splits the service path from the method in a call name.
const callSeparator = "::"

// Frame is the JSON wire unit in both directions. Which fields are set
// depends on Type: calls carry Name, ID, Data and Params; acks carry Seq
// plus Result or Error; events carry Name and Data.
type Frame struct {
	Type   string         `json:"type"`
	Seq    uint64         `json:"seq,omitempty"`
	Name   string         `json:"name,omitempty"`
	ID     string         `json:"id,omitempty"`
	Data   any            `json:"data,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  *plume.Error   `json:"error,omitempty"`
}

// Bridge serves the websocket endpoint and relays service events to every
// connected client.
type Bridge struct {
	app      *plume.Application
	cfg      *Config
	hub      *hub
	upgrader websocket.Upgrader
	observer plume.Observer

	mu      sync.Mutex
	relayed map[string]bool
	subs    []plume.Subscription
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(b *Bridge) { *b.cfg = cfg }
}

// New builds a websocket bridge with default configuration.
func New(opts ...Option) *Bridge {
	cfg := &Config{}
	if err := plume.ApplyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("socket: invalid config defaults: %v", err))
	}
	b := &Bridge{
		cfg:     cfg,
		hub:     newHub(),
		relayed: map[string]bool{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure wires the bridge to the application and registers its config
// section.
func (b *Bridge) Configure(app *plume.Application) error {
	b.app = app
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return app.RegisterConfigSection(SectionName, plume.NewStdConfigProvider(b.cfg))
}

// Name identifies the bridge.
func (b *Bridge) Name() string { return "socket" }

// Start wires an event relay for every registered service and watches for
// services registered later.
func (b *Bridge) Start(context.Context) error {
	b.observer = plume.NewFunctionalObserver("socket.relay", func(_ context.Context, ev cloudevents.Event) error {
		var data struct {
			Path string `json:"path"`
		}
		if err := ev.DataAs(&data); err != nil {
			return err
		}
		b.relayPath(data.Path)
		return nil
	})
	if err := b.app.RegisterObserver(b.observer, plume.EventTypeServiceRegistered); err != nil {
		return err
	}

	b.app.Registry().Range(func(path string, svc *plume.WrappedService) bool {
		b.relayService(path, svc)
		return true
	})
	b.app.Logger().Info("Socket bridge started", "path", b.endpoint(), "services", len(b.app.ServicePaths()))
	return nil
}

// Stop drops every connection and detaches the event relays.
func (b *Bridge) Stop(context.Context) error {
	if b.observer != nil {
		if err := b.app.UnregisterObserver(b.observer); err != nil {
			b.app.Logger().Warn("Unregistering socket observer", "error", err)
		}
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	b.hub.shutdown()
	return nil
}

// Attach mounts the websocket endpoint on the application router.
func (b *Bridge) Attach(router chi.Router) {
	router.Get(b.endpoint(), b.serveWS)
}

// Connections reports how many clients are currently connected.
func (b *Bridge) Connections() int { return b.hub.len() }

func (b *Bridge) endpoint() string {
	path := strings.Trim(b.cfg.Path, "/")
	if path == "" {
		path = "ws"
	}
	return "/" + path
}

// checkOrigin reads the config on every handshake so origins fed after
// Configure still apply. With no allow-list it falls back to the usual
// same-host rule.
func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(b.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, candidate := range b.cfg.AllowedOrigins {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		b.app.Logger().Debug("Websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{bridge: b, ws: ws, send: make(chan Frame, b.cfg.SendBuffer)}
	if !b.hub.add(c) {
		_ = ws.Close()
		return
	}
	b.app.Logger().Debug("Websocket client connected", "remote", r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

// relayPath wires a relay for a path once the service is visible in the
// registry.
func (b *Bridge) relayPath(path string) {
	svc, err := b.app.Service(path)
	if err != nil {
		return
	}
	b.relayService(path, svc)
}

// relayService subscribes to the service's events and broadcasts each one as
// an event frame. Only announced event names are relayed.
func (b *Bridge) relayService(path string, svc *plume.WrappedService) {
	b.mu.Lock()
	if b.relayed[path] {
		b.mu.Unlock()
		return
	}
	b.relayed[path] = true
	b.mu.Unlock()

	announced := map[string]bool{}
	for _, name := range svc.Events() {
		announced[name] = true
	}
	sub := svc.On(plume.EventWildcard, func(ev plume.Event) {
		if !announced[ev.Name] {
			return
		}
		b.hub.broadcast(Frame{Type: FrameEvent, Name: path + " " + ev.Name, Data: ev.Data})
	})

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// dispatchCall translates a call frame into a dispatch and returns the ack.
func (b *Bridge) dispatchCall(ctx context.Context, f Frame) Frame {
	ack := Frame{Type: FrameAck, Seq: f.Seq}

	path, token, ok := splitCallName(f.Name)
	if !ok {
		ack.Error = plume.NewBadRequest(fmt.Sprintf("malformed call name %q; want <path>::<method>", f.Name))
		return ack
	}
	method, err := plume.ParseMethod(token)
	if err != nil {
		ack.Error = plume.Convert(err)
		return ack
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	req := plume.NewRequest(method, path)
	req.ID = f.ID
	req.Data = f.Data
	if query, ok := f.Params["query"].(map[string]any); ok {
		req.Params[plume.ParamQuery] = query
	}
	req.Params[plume.ParamProvider] = "socket"

	result, err := b.app.Dispatch(ctx, req)
	if err != nil {
		ack.Error = plume.Convert(err)
		return ack
	}
	ack.Result = result
	return ack
}

// splitCallName splits "<path>::<method>"; both halves must be non-empty.
func splitCallName(name string) (path, method string, ok bool) {
	idx := strings.LastIndex(name, callSeparator)
	if idx <= 0 || idx+len(callSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(callSeparator):], true
}

// hub tracks the connected clients. It owns closing each connection's send
// channel so a channel is closed exactly once.
type hub struct {
	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{conns: map[*conn]struct{}{}}
}

func (h *hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
}

// broadcast queues a frame on every connection, dropping connections whose
// send buffer is full.
func (h *hub) broadcast(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- f:
		default:
			delete(h.conns, c)
			close(c.send)
		}
	}
}

func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.conns {
		delete(h.conns, c)
		close(c.send)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// conn is one client connection. readPump parses call frames and writePump
// drains the send channel; both exit when the peer goes away.
type conn struct {
	bridge *Bridge
	ws     *websocket.Conn
	send   chan Frame
}

func (c *conn) readPump() {
	cfg := c.bridge.cfg
	defer func() {
		c.bridge.hub.remove(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.bridge.app.Logger().Debug("Websocket read failed", "error", err)
			}
			return
		}
		if f.Type != FrameCall {
			c.bridge.app.Logger().Debug("Ignoring non-call frame", "type", f.Type)
			continue
		}
		// Calls run concurrently; acks are matched by seq, not order.
		go func(f Frame) {
			c.enqueue(c.bridge.dispatchCall(context.Background(), f))
		}(f)
	}
}

func (c *conn) writePump() {
	cfg := c.bridge.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump without blocking; a full buffer
// drops the connection.
func (c *conn) enqueue(f Frame) {
	c.bridge.hub.mu.Lock()
	defer c.bridge.hub.mu.Unlock()
	if _, ok := c.bridge.hub.conns[c]; !ok {
		return
	}
	select {
	case c.send <- f:
	default:
		delete(c.bridge.hub.conns, c)
		close(c.send)
	}
}

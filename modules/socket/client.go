package socket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal websocket client for the bridge's frame protocol. It
// correlates acks to calls by seq and fans event frames out to On handlers.
// All methods are safe for concurrent use.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]chan Frame
	handlers map[string][]func(data any)
	err      error

	closed chan struct{}
	once   sync.Once
}

// Dial connects to a bridge endpoint, e.g. "ws://127.0.0.1:8080/ws".
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("socket: dialing %s: %w", url, err)
	}
	c := &Client{
		ws:       ws,
		pending:  map[uint64]chan Frame{},
		handlers: map[string][]func(any){},
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes "<path>::<method>" and waits for its ack. A non-nil ack error
// is returned as a *plume.Error.
func (c *Client) Call(ctx context.Context, name, id string, data any, params map[string]any) (any, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	ch := make(chan Frame, 1)
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	frame := Frame{Type: FrameCall, Seq: seq, Name: name, ID: id, Data: data, Params: params}
	if err := c.write(frame); err != nil {
		return nil, err
	}

	select {
	case ack := <-ch:
		if ack.Error != nil {
			return nil, ack.Error
		}
		return ack.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeErr()
	}
}

// On registers a handler for an event frame name, e.g. "todo created".
// Handlers run on the read loop goroutine.
func (c *Client) On(name string, fn func(data any)) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], fn)
	c.mu.Unlock()
}

// Close sends a close frame and tears the connection down. Pending calls
// fail.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.fail(net.ErrClosed)
	return err
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}
	return c.ws.WriteJSON(f)
}

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case FrameAck:
			c.mu.Lock()
			ch := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case FrameEvent:
			c.mu.Lock()
			handlers := append(([]func(any))(nil), c.handlers[f.Name]...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(f.Data)
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return net.ErrClosed
}

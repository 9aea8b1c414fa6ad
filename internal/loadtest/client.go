// Package loadtest drives simulated users against a running broker and
// summarizes what they observed.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/pairchat/internal/protocol"
)

// ErrClosed is returned by Await when the connection ends first.
var ErrClosed = errors.New("loadtest: connection closed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user. Frames are read on a background goroutine
// and routed to per-type handlers or to Await callers.
type Client struct {
	conn   net.Conn
	connID string

	writeMu sync.Mutex
	mu      sync.Mutex
	metrics Metrics
	hooks   map[string]func(json.RawMessage)
	waiters map[string][]chan json.RawMessage

	ready     chan struct{} // closed on the connected frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and waits for the server's connected frame.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		hooks:   make(map[string]func(json.RawMessage)),
		waiters: make(map[string][]chan json.RawMessage),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.ready:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	c.mu.Lock()
	c.metrics.ConnectLatency = time.Since(start)
	c.mu.Unlock()
	return c, nil
}

// ID is the connection id the server assigned.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Send writes a frame of msgType. The payload's fields are merged into the
// envelope.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.countError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// On registers a handler for every frame of msgType. Handlers run on the
// read goroutine.
func (c *Client) On(msgType string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.hooks[msgType] = fn
	c.mu.Unlock()
}

// Await blocks until the next frame of msgType arrives and decodes it into
// v (which may be nil).
func (c *Client) Await(ctx context.Context, msgType string, v interface{}) error {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()

	select {
	case raw := <-ch:
		if v == nil {
			return nil
		}
		return json.Unmarshal(raw, v)
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) countError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.countError()
			}
			return
		}

		var env struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connection_id"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		raw := json.RawMessage(data)

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeConnected && c.connID == "" {
			c.connID = env.ConnectionID
			close(c.ready)
		}
		hook := c.hooks[env.Type]
		waiters := c.waiters[env.Type]
		delete(c.waiters, env.Type)
		c.mu.Unlock()

		for _, ch := range waiters {
			ch <- raw
		}
		if hook != nil {
			hook(raw)
		}
	}
}

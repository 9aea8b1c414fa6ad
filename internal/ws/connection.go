package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrSendQueueFull    = errors.New("ws: send queue full")
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// Connection is one WebSocket client. Outbound frames go through a bounded
// queue drained by the connection's own writer goroutine, so a slow client
// never stalls the sender.
type Connection struct {
	ID        string   // connection id (UUID)
	Conn      net.Conn // underlying TCP connection
	Fd        int      // socket descriptor, -1 off Linux
	RemoteIP  string
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	writeMu   sync.Mutex // serializes frames from the writer and the heartbeat
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, fd, queue int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		send:      make(chan []byte, queue),
		closed:    make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues a text frame without blocking.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue until the connection closes. A failed
// write calls onError once and stops the loop.
func (c *Connection) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.write(ws.OpText, data, timeout); err != nil {
				onError(err)
				return
			}
		}
	}
}

func (c *Connection) write(op ws.OpCode, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.write(ws.OpPing, nil, timeout)
}

// drain waits for the writer to empty the send queue.
func (c *Connection) drain(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for len(c.send) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-t.C:
		}
	}
}

// Close stops the writer and closes the network connection. Safe to call
// more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.Conn != nil {
			err = c.Conn.Close()
		}
	})
	return err
}

// ConnectionManager maps connection ids and network connections to their
// Connection. Lookups by net.Conn serve the poller, which only knows the
// socket that became readable.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection. It reports false when the connection
// was already gone, so concurrent removers clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

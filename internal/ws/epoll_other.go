//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
)

// Poller is the portable fallback: one goroutine per connection peeks for
// data through a buffered reader and hands the socket to Wait. The peeked
// bytes stay in the buffer, so frame reads see the whole stream.
type Poller struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
	once  sync.Once
}

type peekConn struct {
	net.Conn
	r    *bufio.Reader
	idle chan struct{} // signalled when the server finished reading
}

func (c *peekConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Wrap returns the connection the server must read from and register.
func (p *Poller) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn), idle: make(chan struct{}, 1)}
}

func (p *Poller) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errors.New("ws: connection was not wrapped by the poller")
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	go p.monitor(pc)
	return nil
}

func (p *Poller) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		select {
		case p.ready <- pc:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.idle:
		case <-p.done:
			return
		}
		if !p.watching(pc) {
			return
		}
	}
}

func (p *Poller) watching(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[conn]
	return ok
}

func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	p.Done(conn)
	return nil
}

// Done lets the monitor of conn peek again.
func (p *Poller) Done(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.idle <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}
	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }

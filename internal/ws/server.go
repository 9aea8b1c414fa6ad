// Package ws is the WebSocket transport: it upgrades HTTP connections,
// reads frames through an epoll-driven worker pool, and hands decoded
// frames to the session engine. Outbound frames are queued per connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/broker"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/ratelimit"
)

// ErrConnectionNotFound is returned by Send for an unknown connection id.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// Engine is the session engine the transport feeds.
type Engine interface {
	Submit(ev broker.Event)
	Stats(ctx context.Context) (broker.Stats, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
	SendQueueSize  int           // outbound frames buffered per connection
	MaxFrameBytes  int64         // larger frames close the connection
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		MaxFrameBytes:  64 << 10,
	}
}

// Server accepts WebSocket clients and bridges them to the engine.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *ConnectionManager
	engine     Engine
	limiter    Limiter
	dispatcher *Dispatcher
	heartbeat  HeartbeatConfig
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. A nil limiter disables rate limiting.
func NewServer(config ServerConfig, engine Engine, limiter Limiter) *Server {
	d := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = d.WorkerPoolSize
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = d.SendQueueSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = d.MaxFrameBytes
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = d.MaxConnections
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		engine:     engine,
		limiter:    limiter,
		dispatcher: NewDispatcher(engine, limiter),
		heartbeat:  DefaultHeartbeatConfig(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// prepare creates the poller and starts the read loop and heartbeat.
func (s *Server) prepare() error {
	p, err := NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	go s.startEventLoop()
	StartHeartbeat(s, s.heartbeat)
	return nil
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if err := s.prepare(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ip := remoteIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), limiterTimeout)
		dec, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !dec.Allowed {
			metrics.RateLimited.WithLabelValues("connect").Inc()
			w.Header().Set("Retry-After", fmt.Sprint(retrySeconds(dec.RetryAfter)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	c := newConnection(uuid.NewString(), s.poller.Wrap(raw), socketFD(raw), s.config.SendQueueSize)
	c.RemoteIP = ip
	if err := s.admit(c); err != nil {
		log.Printf("ws: poller add failed for %s: %v", c.ID, err)
		return
	}
	log.Printf("ws: new connection id=%s ip=%s (total=%d)", c.ID, ip, s.conns.Count())
}

// admit registers c with the engine and then starts its reader and writer.
// Connect is submitted before anything that can fail or read, so the
// engine always sees Connect ahead of the connection's frames and its
// Disconnect.
func (s *Server) admit(c *Connection) error {
	s.conns.Add(c)
	s.engine.Submit(broker.Connect{ConnID: c.ID})

	if err := s.poller.Add(c.Conn); err != nil {
		s.RemoveConnection(c)
		return err
	}
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		log.Printf("ws: write to %s failed: %v", c.ID, err)
		s.RemoveConnection(c)
	})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := struct {
		Status      string        `json:"status"`
		Connections int           `json:"connections"`
		Uptime      string        `json:"uptime"`
		Broker      *broker.Stats `json:"broker,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK
	if st, err := s.engine.Stats(ctx); err != nil {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		resp.Broker = &st
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every readable socket to a worker, bounded by the
// worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: poll error: %v", err)
			}
			continue
		}

		for _, conn := range ready {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a readable socket. Control frames keep
// the connection alive; a close frame or read error removes it.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.poller.Done(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat handles
		// dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}
	if header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: %s sent a %d byte frame, closing", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}
	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection closes c and tells the engine. Concurrent calls for the
// same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	c.Close()
	s.engine.Submit(broker.Disconnect{ConnID: c.ID})
	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Send queues a frame for connID without blocking. A connection whose
// queue is full is dropped.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnectionNotFound
	}
	err := c.Enqueue(data)
	if errors.Is(err, ErrSendQueueFull) {
		// The engine may be the caller; removal submits to it.
		go s.RemoveConnection(c)
	}
	return err
}

// Connections exposes the live connection set to the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting clients and closes every connection once its
// queued frames are written or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)
		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}
		for _, c := range s.conns.All() {
			c.drain(ctx)
			if s.poller != nil {
				_ = s.poller.Remove(c.Conn)
			}
			s.conns.Remove(c.ID)
			c.Close()
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return err
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/pairchat/internal/broker"
	"github.com/whisper/pairchat/internal/protocol"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	eng := &fakeEngine{stats: broker.Stats{Connections: 3, Sessions: 1}}
	s := NewServer(DefaultServerConfig(), eng, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string       `json:"status"`
		Broker broker.Stats `json:"broker"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Broker.Sessions != 1 || body.Broker.Connections != 3 {
		t.Errorf("unexpected body %+v", body)
	}

	eng.err = errors.New("broker: stopped")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped engine should report 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &fakeEngine{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pairchat_") {
		t.Errorf("metrics endpoint status=%d", rec.Code)
	}
}

func TestSend_UnknownConnection(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &fakeEngine{}, nil)

	if err := s.Send("nope", []byte("{}")); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestServer_RoundTrip(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(DefaultServerConfig(), eng, nil)
	if err := s.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var connID string
	waitFor(t, "connect event", func() bool {
		for _, ev := range eng.snapshot() {
			if c, ok := ev.(broker.Connect); ok {
				connID = c.ConnID
				return true
			}
		}
		return false
	})

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "inbound ping", func() bool {
		for _, ev := range eng.snapshot() {
			if in, ok := ev.(broker.Inbound); ok && in.Type == protocol.TypePing && in.ConnID == connID {
				return true
			}
		}
		return false
	})

	if err := s.Send(connID, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected frame %s", data)
	}

	conn.Close()
	waitFor(t, "disconnect event", func() bool {
		for _, ev := range eng.snapshot() {
			if d, ok := ev.(broker.Disconnect); ok && d.ConnID == connID {
				return true
			}
		}
		return false
	})
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
}

func TestAdmit_ConnectPrecedesDisconnect(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(DefaultServerConfig(), eng, nil)
	if err := s.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer s.Shutdown(context.Background())

	client, server := net.Pipe()
	defer client.Close()
	// A pipe has no socket and was not wrapped, so the poller refuses it
	// after the connection is already registered.
	c := newConnection("p1", server, -1, 4)
	if err := s.admit(c); err == nil {
		t.Fatal("expected the poller to reject an unwrapped pipe")
	}

	events := eng.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected Connect then Disconnect, got %#v", events)
	}
	if ev, ok := events[0].(broker.Connect); !ok || ev.ConnID != "p1" {
		t.Errorf("first event = %#v, want Connect{p1}", events[0])
	}
	if ev, ok := events[1].(broker.Disconnect); !ok || ev.ConnID != "p1" {
		t.Errorf("second event = %#v, want Disconnect{p1}", events[1])
	}
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("connection left registered, count = %d", n)
	}
}

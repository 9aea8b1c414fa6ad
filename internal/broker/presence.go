package broker

import (
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

// Stats is a point-in-time view of the broker.
type Stats struct {
	Connections int `json:"connections"`
	Queued      int `json:"queued"`
	Sessions    int `json:"sessions"`
	Timers      int `json:"timers"`
}

func (b *Broker) stats() Stats {
	return Stats{
		Connections: b.conns.Count(),
		Queued:      b.queue.Len(),
		Sessions:    len(b.sessions),
		Timers:      len(b.tasks),
	}
}

func (b *Broker) onConnect(connID string) {
	if b.conns.Get(connID) != nil {
		return
	}
	b.conns.Add(&registry.Connection{ID: connID, ConnectedAt: b.clock.Now()})
	b.send(connID, protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: connID})
	b.presenceChanged()
}

// onDisconnect drops the connection's ticket, detaches it as an observer,
// or starts the grace window of the slot it held.
func (b *Broker) onDisconnect(connID string) {
	c := b.conns.Remove(connID)
	if c == nil {
		return
	}
	if b.queue.Remove(connID) {
		metrics.QueueSize.Set(float64(b.queue.Len()))
	}
	if s := b.sessions[c.SessionID]; s != nil {
		switch {
		case s.Observer == connID:
			b.detachObserver(s)
		case s.Slot(connID) != nil:
			b.markAway(s, s.Slot(connID))
		}
	}
	b.presenceChanged()
}

// presenceChanged broadcasts the connection count to everyone.
func (b *Broker) presenceChanged() {
	n := b.conns.Count()
	metrics.Connections.Set(float64(n))
	b.broadcast(b.conns.IDs(), protocol.TypePresenceCount, protocol.PresenceCountMsg{Count: n})
}

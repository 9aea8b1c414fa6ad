package broker

import (
	"log"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

// member resolves the session a frame names (or the connection's own when
// id is empty) and the slot the connection holds in it. With observer set,
// the attached admin is accepted too and the slot is nil.
func (b *Broker) member(c *registry.Connection, id string, observer bool) (*chat.Session, *chat.Slot, error) {
	sid := chat.SessionID(id)
	if sid == "" {
		sid = c.SessionID
	}
	s := b.sessions[sid]
	if s == nil {
		return nil, nil, ErrSessionNotFound
	}
	if sl := s.Slot(c.ID); sl != nil {
		return s, sl, nil
	}
	if observer && s.Observer != "" && s.Observer == c.ID {
		return s, nil, nil
	}
	return nil, nil, ErrNotParticipant
}

// markAway starts the grace window for a slot whose connection dropped.
func (b *Broker) markAway(s *chat.Session, sl *chat.Slot) {
	if err := s.MarkAbsent(sl); err != nil {
		log.Printf("[broker] session %s: %v", s.ID, err)
		return
	}
	id, token := s.ID, sl.ResumeToken
	sl.Grace = b.schedule(b.cfg.GracePeriod, func() { b.graceExpired(id, token) })

	b.broadcast(s.Recipients(""), protocol.TypePartnerAway, protocol.PartnerAwayMsg{
		SessionID:    string(s.ID),
		PartnerName:  sl.Name,
		GraceSeconds: seconds(b.cfg.GracePeriod),
	})
}

func (b *Broker) graceExpired(id chat.SessionID, token string) {
	s := b.sessions[id]
	if s == nil {
		return
	}
	if sl := s.SlotByToken(token); sl != nil && !sl.Present {
		b.closeSession(s, chat.ReasonDisconnected, sl)
	}
}

// handleLeaveSession ends the session for both participants. Leaving a
// session that is gone, or one the connection is not in, is a no-op. An
// observer leaving only detaches.
func (b *Broker) handleLeaveSession(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.LeaveSessionMsg](msg)
	if err != nil {
		return err
	}
	sid := chat.SessionID(m.SessionID)
	if sid == "" {
		sid = c.SessionID
	}
	s := b.sessions[sid]
	if s == nil || c.SessionID != s.ID {
		return nil
	}
	if s.Observer == c.ID {
		b.detachObserver(s)
		return nil
	}
	if sl := s.Slot(c.ID); sl != nil {
		b.closeSession(s, chat.ReasonLeft, sl)
	}
	return nil
}

// closeSession tears s down. The participant that caused the close (nil for
// server-initiated closes) gets session_closed; the other one gets
// partner_left with the causer's name. Absent slots have no one to tell.
func (b *Broker) closeSession(s *chat.Session, reason string, causer *chat.Slot) {
	if s == nil || s.State == chat.StateClosed {
		return
	}
	closed := protocol.SessionClosedMsg{SessionID: string(s.ID), Reason: reason}

	for _, sl := range s.Slots {
		if !sl.Present {
			continue
		}
		b.release(sl.ConnID, s.ID)
		switch {
		case causer == nil || sl == causer:
			b.send(sl.ConnID, protocol.TypeSessionClosed, closed)
		default:
			b.send(sl.ConnID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
				SessionID:   string(s.ID),
				PartnerName: causer.Name,
				Reason:      partnerReason(reason),
			})
		}
	}
	if s.Observer != "" {
		b.release(s.Observer, s.ID)
		b.send(s.Observer, protocol.TypeSessionClosed, closed)
		s.Observer = ""
	}

	s.Close()
	delete(b.sessions, s.ID)

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(len(b.sessions)))
	log.Printf("[broker] session %s closed (%s)", s.ID, reason)
}

// partnerReason is the close reason the other participant sees. A ban is
// not disclosed to the partner.
func partnerReason(reason string) string {
	if reason == chat.ReasonBanned {
		return chat.ReasonLeft
	}
	return reason
}

// release unbinds a connection from the session it was in.
func (b *Broker) release(connID string, id chat.SessionID) {
	if c := b.conns.Get(connID); c != nil && c.SessionID == id {
		c.SessionID = ""
	}
}

// armIdle (re)starts the inactivity watchdog of s.
func (b *Broker) armIdle(s *chat.Session) {
	id := s.ID
	s.Idle = b.schedule(b.cfg.IdleTimeout, func() { b.idleWarning(id) })
}

// touch records participant activity and restarts the watchdog.
func (b *Broker) touch(s *chat.Session) {
	s.LastActivity = b.clock.Now()
	if s.Idle != nil {
		s.Idle.Stop()
	}
	if s.IdleFinal != nil {
		s.IdleFinal.Stop()
	}
	s.Idle, s.IdleFinal, s.Warned = nil, nil, false
	b.armIdle(s)
}

func (b *Broker) idleWarning(id chat.SessionID) {
	s := b.sessions[id]
	if s == nil || s.Warned {
		return
	}
	s.Idle = nil
	s.Warned = true
	b.broadcast(s.Recipients(""), protocol.TypeInactivityWarning, protocol.InactivityWarningMsg{
		SessionID: string(s.ID),
		Seconds:   seconds(b.cfg.IdleFinalWindow),
	})
	s.IdleFinal = b.schedule(b.cfg.IdleFinalWindow, func() {
		if s := b.sessions[id]; s != nil {
			s.IdleFinal = nil
			b.closeSession(s, chat.ReasonInactive, nil)
		}
	})
}

package broker

import (
	"log"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

// handleResync replays buffered messages newer than the client's cursor. A
// connection that is not yet in the session claims a slot with its resume
// token; this is how a dropped participant returns within the grace window.
// An absent or negative cursor replays the whole buffer.
func (b *Broker) handleResync(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.ResyncMsg](msg)
	if err != nil {
		return err
	}
	s := b.sessions[chat.SessionID(m.SessionID)]
	if s == nil || s.State == chat.StateClosed {
		return ErrSessionNotFound
	}

	if !s.IsParticipant(c.ID) && s.Observer != c.ID {
		sl := s.SlotByToken(m.ResumeToken)
		if sl == nil {
			return ErrSessionNotFound
		}
		if c.InSession() {
			return ErrAlreadyInSession
		}
		if left, banned := b.banRemaining(c); banned {
			b.sendBanned(c.ID, c.BanReason, left)
			return nil
		}
		if err := b.rejoin(c, s, sl); err != nil {
			return err
		}
	}

	var msgs []chat.Message
	if cursor, err := chat.ParseCursor(m.LastTs); err != nil {
		msgs = s.History.All()
	} else {
		msgs = s.History.Since(cursor)
	}
	b.sendBatch(c.ID, s, msgs)
	metrics.Resyncs.Inc()
	return nil
}

// rejoin binds c to sl. If another connection still holds the slot (its
// drop has not been noticed yet) that connection is told the session moved.
func (b *Broker) rejoin(c *registry.Connection, s *chat.Session, sl *chat.Slot) error {
	if b.cancelMatching(c) {
		b.send(c.ID, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{})
	}

	if sl.Present {
		old := sl.ConnID
		b.release(old, s.ID)
		b.send(old, protocol.TypeSessionClosed, protocol.SessionClosedMsg{SessionID: string(s.ID), Reason: chat.ReasonResumed})
		if err := s.MarkAbsent(sl); err != nil {
			return err
		}
	}
	if err := s.Rebind(sl, c.ID); err != nil {
		return err
	}

	c.SessionID = s.ID
	c.Name = sl.Name
	b.conns.SetFingerprint(c, sl.Fingerprint)

	b.broadcast(s.Recipients(c.ID), protocol.TypePartnerBack, protocol.PartnerBackMsg{
		SessionID:   string(s.ID),
		PartnerName: sl.Name,
	})
	log.Printf("[broker] session %s: %s rejoined as %s", s.ID, c.ID, sl.Name)
	return nil
}

func (b *Broker) sendBatch(connID string, s *chat.Session, msgs []chat.Message) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	batch := protocol.ResyncBatchMsg{
		SessionID: string(s.ID),
		State:     string(s.State),
		Messages:  msgs,
	}
	if p := s.Partner(connID); p != nil {
		batch.PartnerName = p.Name
	}
	b.send(connID, protocol.TypeResyncBatch, batch)
}

package broker

import (
	"fmt"
	"log"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

func (b *Broker) handleAdminAuth(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.AdminAuthMsg](msg)
	if err != nil {
		return err
	}
	if b.auth == nil {
		return ErrNotAdmin
	}
	subject, err := b.auth.Validate(m.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAdmin, err)
	}
	c.Admin = true
	b.send(c.ID, protocol.TypeAdminAuthenticated, protocol.AdminAuthenticatedMsg{Subject: subject})
	log.Printf("[admin] %s authenticated as %q", c.ID, subject)
	return nil
}

// handleAdminAttach makes an authenticated admin the silent observer of a
// session. The participants are told and the admin gets the full buffer.
func (b *Broker) handleAdminAttach(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.AdminAttachMsg](msg)
	if err != nil {
		return err
	}
	if !c.Admin {
		return ErrNotAdmin
	}
	s := b.sessions[chat.SessionID(m.SessionID)]
	if s == nil {
		return ErrSessionNotFound
	}
	if s.Observer == c.ID {
		return nil
	}
	if s.Observer != "" {
		return ErrObserverPresent
	}
	if c.InSession() {
		return ErrAlreadyInSession
	}
	b.cancelMatching(c)

	s.Observer = c.ID
	c.SessionID = s.ID

	b.broadcast(s.Recipients(c.ID), protocol.TypeAdminJoined, protocol.AdminJoinedMsg{SessionID: string(s.ID)})
	b.sendBatch(c.ID, s, s.History.All())
	log.Printf("[admin] %s observing session %s", c.ID, s.ID)
	return nil
}

// handleAdminDetach is a no-op unless c observes the named session.
func (b *Broker) handleAdminDetach(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.AdminDetachMsg](msg)
	if err != nil {
		return err
	}
	s := b.sessions[chat.SessionID(m.SessionID)]
	if s == nil || s.Observer != c.ID {
		return nil
	}
	b.detachObserver(s)
	return nil
}

func (b *Broker) detachObserver(s *chat.Session) {
	admin := s.Observer
	if admin == "" {
		return
	}
	s.Observer = ""
	b.release(admin, s.ID)

	left := protocol.AdminLeftMsg{SessionID: string(s.ID)}
	b.broadcast(s.Recipients(""), protocol.TypeAdminLeft, left)
	if b.conns.Get(admin) != nil {
		b.send(admin, protocol.TypeAdminLeft, left)
	}
	log.Printf("[admin] %s stopped observing session %s", admin, s.ID)
}

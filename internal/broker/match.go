package broker

import (
	"context"
	"errors"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

const (
	defaultName   = "Stranger"
	maxNameLength = 32
)

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || !utf8.ValidString(name) {
		return defaultName
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}

// handleFindMatch puts the connection in the waiting queue, after a ban
// lookup when it presented a fingerprint. Asking again while queued or
// while the lookup is in flight is a no-op.
func (b *Broker) handleFindMatch(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.FindMatchMsg](msg)
	if err != nil {
		return err
	}
	if c.InSession() {
		return ErrAlreadyInSession
	}
	if b.queue.Has(c.ID) || c.BanCheck != 0 {
		return nil
	}
	if left, banned := b.banRemaining(c); banned {
		b.sendBanned(c.ID, c.BanReason, left)
		return nil
	}

	c.Name = displayName(m.Name)
	b.conns.SetFingerprint(c, strings.TrimSpace(m.Fingerprint))

	interests := m.Interests
	if b.filter != nil {
		interests = b.filter.CheckInterests(interests)
	}
	ticket := matching.Ticket{
		ConnID:      c.ID,
		Name:        c.Name,
		Fingerprint: c.Fingerprint,
		Interests:   interests,
	}

	if c.Fingerprint == "" || b.bans == nil {
		return b.enqueue(c, ticket)
	}

	b.checkSeq++
	id, connID, fp := b.checkSeq, c.ID, c.Fingerprint
	c.BanCheck = id
	b.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.BanCheckTimeout)
		defer cancel()
		v, err := b.bans.Check(ctx, fp)
		b.post(banChecked{connID: connID, id: id, ticket: ticket, verdict: v, err: err})
	})
	return nil
}

func (b *Broker) onBanChecked(e banChecked) {
	c := b.conns.Get(e.connID)
	if c == nil || c.BanCheck != e.id {
		return // cancelled, superseded or disconnected
	}
	c.BanCheck = 0

	switch {
	case e.err != nil:
		log.Printf("[moderation] ban check for %s failed: %v (failing open)", c.ID, e.err)
	case e.verdict.Banned:
		b.applyBan(c, e.verdict.Reason, e.verdict.Remaining)
		return
	}
	if c.InSession() {
		return
	}
	if err := b.enqueue(c, e.ticket); err != nil {
		b.fail(c, protocol.TypeFindMatch, err)
	}
}

// enqueue acknowledges the request and runs the pairing phases.
func (b *Broker) enqueue(c *registry.Connection, t matching.Ticket) error {
	t.EnqueuedAt = b.clock.Now()
	tagged := len(matching.NormalizeInterests(t.Interests)) > 0

	ack := protocol.MatchingStartedMsg{}
	if tagged {
		ack.InterestTimeout = seconds(b.cfg.InterestFallback)
	}
	b.send(c.ID, protocol.TypeMatchingStarted, ack)

	pair, err := b.queue.Enqueue(t)
	if errors.Is(err, matching.ErrDuplicateTicket) {
		return nil
	}
	if err != nil {
		return err
	}
	if pair != nil {
		b.createSession(pair)
		return nil
	}

	if tagged {
		connID := c.ID
		b.queue.SetFallback(connID, b.schedule(b.cfg.InterestFallback, func() {
			b.interestTimeout(connID)
		}))
	}
	metrics.QueueSize.Set(float64(b.queue.Len()))
	return nil
}

func (b *Broker) interestTimeout(connID string) {
	pair, ok := b.queue.Reissue(connID, b.clock.Now())
	if !ok {
		return
	}
	if pair != nil {
		b.createSession(pair)
	}
}

// handleCancelMatch drops a queued ticket or an in-flight ban lookup.
// Cancelling with nothing pending is a no-op.
func (b *Broker) handleCancelMatch(c *registry.Connection, _ interface{}) error {
	if b.cancelMatching(c) {
		b.send(c.ID, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{})
	}
	return nil
}

func (b *Broker) cancelMatching(c *registry.Connection) bool {
	pending := c.BanCheck != 0
	c.BanCheck = 0
	if b.queue.Remove(c.ID) {
		metrics.QueueSize.Set(float64(b.queue.Len()))
		return true
	}
	return pending
}

func (b *Broker) createSession(p *matching.Pair) {
	now := b.clock.Now()
	s := chat.NewSession(
		chat.Participant{ConnID: p.A.ConnID, Name: p.A.Name, Fingerprint: p.A.Fingerprint},
		chat.Participant{ConnID: p.B.ConnID, Name: p.B.Name, Fingerprint: p.B.Fingerprint},
		p.Kind, p.Shared, b.cfg.HistorySize, now,
	)
	b.sessions[s.ID] = s

	shared := p.Shared
	if shared == nil {
		shared = []string{}
	}
	for i, sl := range s.Slots {
		if c := b.conns.Get(sl.ConnID); c != nil {
			c.SessionID = s.ID
		}
		partner := s.Slots[1-i]
		b.send(sl.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
			SessionID:       string(s.ID),
			PartnerName:     partner.Name,
			MatchKind:       p.Kind,
			SharedInterests: shared,
			ResumeToken:     sl.ResumeToken,
		})
	}
	b.armIdle(s)

	for _, t := range []matching.Ticket{p.A, p.B} {
		metrics.MatchWait.Observe(now.Sub(t.JoinedAt).Seconds())
	}
	metrics.MatchesTotal.WithLabelValues(p.Kind).Inc()
	metrics.ActiveSessions.Set(float64(len(b.sessions)))
	metrics.QueueSize.Set(float64(b.queue.Len()))
	log.Printf("[broker] session %s created (%s match)", s.ID, p.Kind)
}

package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

// onBan applies a ban announced by the moderation service to every live
// connection presenting the fingerprint, and closes any session where the
// fingerprint holds a slot inside its grace window so the resume token can
// no longer bring it back.
func (b *Broker) onBan(ev moderation.BanEvent) {
	conns := b.conns.ByFingerprint(ev.Fingerprint)
	for _, c := range conns {
		b.applyBan(c, ev.Reason, time.Duration(ev.DurationSeconds)*time.Second)
	}

	absent := 0
	for _, s := range b.sessions {
		for _, sl := range s.Slots {
			if !sl.Present && sl.Fingerprint == ev.Fingerprint {
				b.closeSession(s, chat.ReasonBanned, sl)
				absent++
				break
			}
		}
	}
	if len(conns) > 0 || absent > 0 {
		log.Printf("[moderation] ban on %s applied to %d connection(s), %d absent slot(s)", ev.Fingerprint, len(conns), absent)
	}
}

// banRemaining reports how long c's ban still runs. An expired ban is
// cleared.
func (b *Broker) banRemaining(c *registry.Connection) (time.Duration, bool) {
	if !c.Banned {
		return 0, false
	}
	if left := c.BanUntil.Sub(b.clock.Now()); left > 0 {
		return left, true
	}
	c.Banned, c.BanReason = false, ""
	return 0, false
}

// applyBan removes c from matchmaking and from any session it is in, then
// tells it why.
func (b *Broker) applyBan(c *registry.Connection, reason string, d time.Duration) {
	c.Banned = true
	c.BanReason = reason
	c.BanUntil = b.clock.Now().Add(d)
	b.cancelMatching(c)

	if s := b.sessions[c.SessionID]; s != nil {
		if sl := s.Slot(c.ID); sl != nil {
			b.closeSession(s, chat.ReasonBanned, sl)
		} else if s.Observer == c.ID {
			b.detachObserver(s)
		}
	}
	b.sendBanned(c.ID, reason, d)
}

func (b *Broker) sendBanned(connID, reason string, d time.Duration) {
	b.send(connID, protocol.TypeBanned, protocol.BannedMsg{Duration: seconds(d), Reason: reason})
}

// handleReport forwards a report about the partner to the moderation
// service. The fingerprints come from the session, not the client. Any
// failure to file it is reported back as report_failed.
func (b *Broker) handleReport(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.ReportMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, false)
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(m.Reason)
	if reason == "" {
		return fmt.Errorf("%w: report reason required", ErrInvalidMessage)
	}
	if b.reports == nil {
		return ErrReportFailed
	}
	partner := s.Partner(c.ID)

	recent := s.History.Last(b.cfg.ReportSnapshot)
	snapshot := make([]moderation.ReportedMessage, 0, len(recent))
	for _, entry := range recent {
		snapshot = append(snapshot, moderation.ReportedMessage{
			Sender: entry.Sender,
			Kind:   string(entry.Kind),
			Text:   entry.Text,
			Ts:     entry.Ts,
			Unsent: entry.Unsent,
		})
	}

	req := moderation.ReportRequest{
		ReportID:            uuid.NewString(),
		SessionID:           string(s.ID),
		ReporterFingerprint: sl.Fingerprint,
		ReportedFingerprint: partner.Fingerprint,
		ReportedName:        partner.Name,
		Reason:              reason,
		Evidence:            m.Evidence,
		Messages:            snapshot,
		CreatedAt:           b.clock.Now(),
	}
	connID := c.ID
	b.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReportTimeout)
		defer cancel()
		reply, err := b.reports.Submit(ctx, req)
		b.post(reportDone{connID: connID, req: req, reply: reply, err: err})
	})
	return nil
}

func (b *Broker) onReportDone(e reportDone) {
	if e.err != nil {
		log.Printf("[moderation] report %s for session %s failed: %v", e.req.ReportID, e.req.SessionID, e.err)
	}
	if b.conns.Get(e.connID) == nil {
		return
	}
	if e.err != nil {
		b.sendError(e.connID, protocol.CodeReportFailed, ErrReportFailed.Error())
		return
	}
	b.send(e.connID, protocol.TypeReportAck, protocol.ReportAckMsg{
		SessionID: e.req.SessionID,
		ReportID:  e.req.ReportID,
	})
}

package moderation

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/pairchat/internal/report"
)

// ReportWriter persists reports. *report.Store implements it.
type ReportWriter interface {
	Create(ctx context.Context, r *report.Report) error
}

// Escalator counts reports against a fingerprint and bans it once the
// threshold is crossed. *ban.Store implements it.
type Escalator interface {
	ReportAndCheck(ctx context.Context, fingerprint, reason string) (bool, time.Duration, error)
}

// BanPublisher announces bans to the brokers.
type BanPublisher interface {
	PublishBan(data []byte) error
}

// Service is the moderator side of the report flow: persist, escalate,
// announce.
type Service struct {
	reports ReportWriter
	bans    Escalator
	pub     BanPublisher
	timeout time.Duration
}

// NewService creates a Service. timeout bounds each report's storage work.
func NewService(reports ReportWriter, bans Escalator, pub BanPublisher, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{reports: reports, bans: bans, pub: pub, timeout: timeout}
}

// HandleReport decodes a ReportRequest and returns the encoded ReportReply.
// The report is accepted once it is persisted; escalation failures are
// logged but do not reject it.
func (s *Service) HandleReport(data []byte) []byte {
	var req ReportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[moderator] invalid report payload: %v", err)
		return encodeReply(ReportReply{Error: "invalid payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rec := &report.Report{
		ReportID:            req.ReportID,
		SessionID:           req.SessionID,
		ReporterFingerprint: req.ReporterFingerprint,
		ReportedFingerprint: req.ReportedFingerprint,
		Reason:              req.Reason,
		Evidence:            req.Evidence,
		Messages:            make([]report.MessageEntry, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		rec.Messages = append(rec.Messages, report.MessageEntry{
			From: m.Sender, Kind: m.Kind, Text: m.Text, Ts: m.Ts, Unsent: m.Unsent,
		})
	}

	if err := s.reports.Create(ctx, rec); err != nil {
		log.Printf("[moderator] report %s not stored: %v", req.ReportID, err)
		return encodeReply(ReportReply{ReportID: req.ReportID, Error: err.Error()})
	}
	log.Printf("[moderator] report %s stored session=%s reason=%s", req.ReportID, req.SessionID, req.Reason)

	if req.ReportedFingerprint != "" && s.bans != nil {
		banned, dur, err := s.bans.ReportAndCheck(ctx, req.ReportedFingerprint, req.Reason)
		switch {
		case err != nil:
			log.Printf("[moderator] escalation failed fp=%s: %v", req.ReportedFingerprint, err)
		case banned:
			s.announce(BanEvent{
				Fingerprint:     req.ReportedFingerprint,
				Reason:          "multiple_reports",
				DurationSeconds: int(dur.Seconds()),
			})
		}
	}

	return encodeReply(ReportReply{ReportID: req.ReportID, Accepted: true})
}

func (s *Service) announce(ev BanEvent) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[moderator] marshal ban event: %v", err)
		return
	}
	if err := s.pub.PublishBan(data); err != nil {
		log.Printf("[moderator] publish ban fp=%s: %v", ev.Fingerprint, err)
		return
	}
	log.Printf("[moderator] banned fp=%s for %ds", ev.Fingerprint, ev.DurationSeconds)
}

func encodeReply(r ReportReply) []byte {
	data, _ := json.Marshal(r)
	return data
}

package moderation

import "time"

// Verdict is the outcome of a ban lookup.
type Verdict struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

// ReportedMessage is one buffered message attached to a report.
type ReportedMessage struct {
	Sender string `json:"sender"`
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Ts     int64  `json:"ts"`
	Unsent bool   `json:"unsent,omitempty"`
}

// ReportRequest is sent by the broker on SubjectReport. Fingerprints are
// filled in by the broker from the session slots, never by the client.
type ReportRequest struct {
	ReportID            string            `json:"report_id"`
	SessionID           string            `json:"session_id"`
	ReporterFingerprint string            `json:"reporter_fingerprint"`
	ReportedFingerprint string            `json:"reported_fingerprint"`
	ReportedName        string            `json:"reported_name"`
	Reason              string            `json:"reason"`
	Evidence            string            `json:"evidence,omitempty"`
	Messages            []ReportedMessage `json:"messages"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ReportReply is the moderator's answer to a ReportRequest.
type ReportReply struct {
	ReportID string `json:"report_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// BanEvent is published on SubjectBan when a fingerprint is banned.
type BanEvent struct {
	Fingerprint     string `json:"fingerprint"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report records who reported whom, the session it came from, and a
// snapshot of the last messages for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// validReasons mirrors the CHECK constraint on abuse_reports.reason.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"other":      true,
}

// ValidReason reports whether reason is accepted by the store.
func ValidReason(reason string) bool { return validReasons[reason] }

// Report is one abuse report.
type Report struct {
	ReportID            string
	SessionID           string
	ReporterFingerprint string
	ReportedFingerprint string
	Reason              string
	Evidence            string         // optional client-supplied reference
	Messages            []MessageEntry // last messages of the session
	CreatedAt           time.Time      // set by the database
}

// MessageEntry is one message of the snapshot attached to a report.
type MessageEntry struct {
	From   string `json:"from"`
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Ts     int64  `json:"ts"`
	Unsent bool   `json:"unsent,omitempty"`
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL through lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a report store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The reason is validated before insertion and a
// duplicate ReportID is ignored, so a retried request stores one row.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}

	messagesJSON, err := json.Marshal(r.Messages)
	if err != nil {
		return fmt.Errorf("report: marshal messages: %w", err)
	}

	const query = `
		INSERT INTO abuse_reports
			(report_id, session_id, reporter_fingerprint, reported_fingerprint, reason, evidence, messages)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (report_id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		r.ReportID,
		r.SessionID,
		r.ReporterFingerprint,
		r.ReportedFingerprint,
		r.Reason,
		r.Evidence,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a fingerprint
// within window.
func (s *Store) CountRecent(ctx context.Context, reportedFingerprint string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_fingerprint = $1
		  AND created_at >= NOW() - make_interval(secs => $2)`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedFingerprint, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Recent returns the newest reports filed against a fingerprint, newest
// first.
func (s *Store) Recent(ctx context.Context, reportedFingerprint string, limit int) ([]Report, error) {
	const query = `
		SELECT report_id, session_id, reporter_fingerprint, reported_fingerprint,
		       reason, COALESCE(evidence, ''), messages, created_at
		FROM abuse_reports
		WHERE reported_fingerprint = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, reportedFingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("report: recent: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r   Report
			raw []byte
		)
		if err := rows.Scan(&r.ReportID, &r.SessionID, &r.ReporterFingerprint, &r.ReportedFingerprint,
			&r.Reason, &r.Evidence, &raw, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Messages); err != nil {
				return nil, fmt.Errorf("report: decode messages: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

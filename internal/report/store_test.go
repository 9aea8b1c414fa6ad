package report

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// applies migrations. Tests skip when it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestValidReason(t *testing.T) {
	for _, r := range []string{"harassment", "spam", "explicit", "underage", "other"} {
		if !ValidReason(r) {
			t.Errorf("%q should be valid", r)
		}
	}
	if ValidReason("boring") || ValidReason("") {
		t.Error("unknown reasons should be rejected")
	}
}

func TestCreate_RejectsInvalidReasonWithoutDB(t *testing.T) {
	s := NewStore(nil)
	if err := s.Create(context.Background(), &Report{Reason: "boring"}); err == nil {
		t.Fatal("expected invalid reason error")
	}
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fp := "test_" + uuid.NewString()

	r := &Report{
		ReportID:            uuid.NewString(),
		SessionID:           "alice-bob-1",
		ReporterFingerprint: "test_reporter",
		ReportedFingerprint: fp,
		Reason:              "spam",
		Messages:            []MessageEntry{{From: "Bob", Kind: "text", Text: "buy now", Ts: 10}},
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same report id again is ignored.
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}

	n, err := s.CountRecent(ctx, fp, time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 report, got %d", n)
	}

	recent, err := s.Recent(ctx, fp, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || len(recent[0].Messages) != 1 || recent[0].Messages[0].Text != "buy now" {
		t.Errorf("unexpected recent reports %+v", recent)
	}
}

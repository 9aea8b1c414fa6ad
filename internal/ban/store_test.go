package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore needs a Redis on localhost:6379 and skips otherwise. Keys
// used by tests start with "test_".
func newTestStore(t *testing.T, p Policy) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	flush := func() {
		for _, pattern := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	flush()
	t.Cleanup(func() {
		flush()
		client.Close()
	})
	return NewStoreWithPolicy(client, p)
}

func TestPolicyDuration(t *testing.T) {
	p := DefaultPolicy()
	cases := map[int]time.Duration{
		1: 15 * time.Minute, // below threshold clamps to the first rung
		3: 15 * time.Minute,
		4: time.Hour,
		5: 24 * time.Hour,
		9: 24 * time.Hour,
	}
	for count, want := range cases {
		if got := p.duration(count); got != want {
			t.Errorf("duration(%d) = %v, want %v", count, got, want)
		}
	}
	if got := (Policy{Threshold: 1}).duration(1); got != 15*time.Minute {
		t.Errorf("empty ladder should fall back to 15m, got %v", got)
	}
}

func TestIsBanned_NotBanned(t *testing.T) {
	s := newTestStore(t, DefaultPolicy())

	banned, _, _, err := s.IsBanned(context.Background(), "test_clean")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("expected not banned")
	}
}

func TestBanUnban(t *testing.T) {
	s := newTestStore(t, DefaultPolicy())
	ctx := context.Background()
	fp := "test_ban_unban"

	if err := s.Ban(ctx, fp, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	banned, remaining, reason, err := s.IsBanned(ctx, fp)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned || reason != "spam" {
		t.Fatalf("expected banned for spam, got %v %q", banned, reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("remaining = %d, want 1..30", remaining)
	}

	if err := s.Unban(ctx, fp); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if banned, _, _, _ := s.IsBanned(ctx, fp); banned {
		t.Error("expected ban lifted")
	}
}

func TestReportAndCheck_Escalates(t *testing.T) {
	s := newTestStore(t, DefaultPolicy())
	ctx := context.Background()
	fp := "test_escalate"

	for i := 1; i < 3; i++ {
		banned, _, err := s.ReportAndCheck(ctx, fp, "spam")
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if banned {
			t.Fatalf("report %d should not ban", i)
		}
	}

	banned, d, err := s.ReportAndCheck(ctx, fp, "spam")
	if err != nil {
		t.Fatalf("third report: %v", err)
	}
	if !banned || d != 15*time.Minute {
		t.Fatalf("expected 15m ban on third report, got %v %v", banned, d)
	}

	_, d, _ = s.ReportAndCheck(ctx, fp, "spam")
	if d != time.Hour {
		t.Errorf("fourth report should step up to 1h, got %v", d)
	}

	_, _, reason, _ := s.IsBanned(ctx, fp)
	if reason != ReasonMultipleReports {
		t.Errorf("reason = %q", reason)
	}
	if n, _ := s.ReportCount(ctx, fp); n != 4 {
		t.Errorf("report count = %d, want 4", n)
	}
}

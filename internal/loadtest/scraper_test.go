package loadtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleMetrics = `# HELP pairchat_connections Open WebSocket connections.
# TYPE pairchat_connections gauge
pairchat_connections 42
pairchat_queue_size 3
pairchat_active_sessions 19
pairchat_messages_total{outcome="relayed"} 100
pairchat_messages_total{outcome="blocked"} 4
pairchat_match_wait_seconds_bucket{le="0.5"} 7
pairchat_match_wait_seconds_sum 2.5
pairchat_match_wait_seconds_count 10
`

func TestParseMetricLine(t *testing.T) {
	cases := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"pairchat_connections 42", "pairchat_connections", 42, true},
		{`pairchat_messages_total{outcome="relayed"} 7`, "pairchat_messages_total", 7, true},
		{`weird{label="a}b"} 1.5`, "weird", 1.5, true},
		{"only_name", "", 0, false},
		{"name notanumber", "", 0, false},
		{`broken} 1 {`, "", 0, false},
	}
	for _, tc := range cases {
		name, v, ok := parseMetricLine(tc.line)
		if ok != tc.ok || name != tc.name || v != tc.value {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; want %q, %v, %v",
				tc.line, name, v, ok, tc.name, tc.value, tc.ok)
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(strings.NewReader(sampleMetrics))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.connections != 42 || snap.queue != 3 || snap.sessions != 19 {
		t.Errorf("gauges = %v/%v/%v", snap.connections, snap.queue, snap.sessions)
	}
	if snap.messages != 104 {
		t.Errorf("messages should sum over outcomes, got %v", snap.messages)
	}
	if snap.matchSum != 2.5 || snap.matchCount != 10 {
		t.Errorf("match wait = %v/%v", snap.matchSum, snap.matchCount)
	}
}

func TestScraper_ScrapeOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, 0)
	s.scrapeOnce()
	s.scrapeOnce()

	if len(s.snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(s.snaps))
	}
	if got := peak(s.snaps, func(sn snapshot) float64 { return sn.connections }); got != 42 {
		t.Errorf("peak connections = %v, want 42", got)
	}
}

package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot is the broker's metrics at one point in time.
type snapshot struct {
	at          time.Time
	connections float64
	queue       float64
	sessions    float64
	messages    float64 // summed over outcomes
	matchSum    float64
	matchCount  float64
}

// Scraper polls the broker's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot
	done  chan struct{}
}

func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once now and then every interval until ctx ends, with a
// final scrape on the way out.
func (s *Scraper) Start(ctx context.Context) {
	s.scrapeOnce()
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-t.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Wait blocks until the scrape loop has exited.
func (s *Scraper) Wait() { <-s.done }

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return // broker not up yet
	}
	defer resp.Body.Close()
	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "pairchat_connections":
			snap.connections = v
		case "pairchat_queue_size":
			snap.queue = v
		case "pairchat_active_sessions":
			snap.sessions = v
		case "pairchat_messages_total":
			snap.messages += v
		case "pairchat_match_wait_seconds_sum":
			snap.matchSum = v
		case "pairchat_match_wait_seconds_count":
			snap.matchCount = v
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits `name{labels} value` into the bare name and value.
func parseMetricLine(line string) (string, float64, bool) {
	name := line
	rest := ""
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", 0, false
		}
		name, rest = line[:i], line[j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], fields[1]
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final and peak values of the broker gauges.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]
	fmt.Fprintln(w, "\n--- Server Metrics ---")
	fmt.Fprintf(w, "  %d snapshots over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Fprintf(w, "  %-16s %10s %10s %10s\n", "Metric", "Initial", "Final", "Peak")

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Queue Size", func(s snapshot) float64 { return s.queue }},
		{"Sessions", func(s snapshot) float64 { return s.sessions }},
		{"Messages", func(s snapshot) float64 { return s.messages }},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f\n", r.label, r.get(first), r.get(last), peak(snaps, r.get))
	}

	if n := last.matchCount - first.matchCount; n > 0 {
		fmt.Fprintf(w, "\n  Match wait avg: %.3fs (%.0f matches)\n", (last.matchSum-first.matchSum)/n, n)
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := get(s); v > p {
			p = v
		}
	}
	return p
}

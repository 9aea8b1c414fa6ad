package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from many clients.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	match       []time.Duration
	relay       []time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.connections++
	c.mu.Unlock()
}

// AddMatch records the time from find_match to match_found.
func (c *Collector) AddMatch(d time.Duration) {
	c.mu.Lock()
	c.match = append(c.match, d)
	c.mu.Unlock()
}

// AddRelay records the time from sending a message to the partner
// receiving it.
func (c *Collector) AddRelay(d time.Duration) {
	c.mu.Lock()
	c.relay = append(c.relay, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes percentiles over a copy of durations.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, sec := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Match Latency", c.match},
		{"Relay Latency", c.relay},
	} {
		if len(sec.data) == 0 {
			continue
		}
		p := Summarize(sec.data)
		fmt.Fprintf(w, "\n--- %s ---\n", sec.title)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg.Round(time.Microsecond), p.P50.Round(time.Microsecond),
			p.P95.Round(time.Microsecond), p.P99.Round(time.Microsecond),
			p.Max.Round(time.Microsecond), p.N)
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/loadtest"
	"github.com/whisper/pairchat/internal/protocol"
)

type common struct {
	url         string
	metricsURL  string
	concurrency int
	ramp        time.Duration
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	fs.StringVar(&c.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint (empty to skip)")
	fs.IntVar(&c.concurrency, "concurrency", 50, "Maximum users running at once")
	fs.DurationVar(&c.ramp, "ramp", 10*time.Second, "Ramp-up duration")
}

// start wires signal handling, the collector and the scraper.
func (c *common) start() (context.Context, context.CancelFunc, *loadtest.Collector, *loadtest.Scraper) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	collector := loadtest.NewCollector()
	var scraper *loadtest.Scraper
	if c.metricsURL != "" {
		scraper = loadtest.NewScraper(c.metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}
	return ctx, stop, collector, scraper
}

// launch runs fn for n workers, spreading their start over the ramp and
// bounding how many run at once.
func (c *common) launch(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	if n <= 0 {
		return
	}
	interval := c.ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, max(c.concurrency, 1))
	var wg sync.WaitGroup
	t := time.NewTicker(interval)
	defer t.Stop()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-t.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(ctx, i)
			<-sem
		}(i)
	}
	wg.Wait()
}

func dial(ctx context.Context, url string, collector *loadtest.Collector) *loadtest.Client {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := loadtest.Dial(dctx, url)
	if err != nil {
		collector.AddError()
		return nil
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c
}

func finish(stop context.CancelFunc, collector *loadtest.Collector, scraper *loadtest.Scraper) {
	stop()
	if scraper != nil {
		scraper.Wait()
	}
	collector.Report(os.Stdout)
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var opts common
	opts.register(fs)
	conns := fs.Int("conns", 1000, "Connections to open")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold them open")
	fs.Parse(args)

	fmt.Printf("Saturate: %d connections to %s, hold %s\n", *conns, opts.url, *hold)
	ctx, stop, collector, scraper := opts.start()

	var mu sync.Mutex
	var clients []*loadtest.Client
	opts.launch(ctx, *conns, func(ctx context.Context, _ int) {
		if c := dial(ctx, opts.url, collector); c != nil {
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}
	})
	fmt.Printf("  open: %d  errors: %d\n", collector.ConnectionCount(), collector.ErrorCount())

	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}
	for _, c := range clients {
		c.Close()
	}
	finish(stop, collector, scraper)
}

type pairOptions struct {
	common
	pairs        int
	matchTimeout time.Duration
	interests    []string
}

func (p *pairOptions) parse(name string, args []string, extra func(fs *flag.FlagSet)) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	p.register(fs)
	fs.IntVar(&p.pairs, "pairs", 500, "Number of user pairs")
	fs.DurationVar(&p.matchTimeout, "match-timeout", 30*time.Second, "Wait for match_found")
	tags := fs.String("interests", "", "Comma-separated interest tags (empty for random matching)")
	if extra != nil {
		extra(fs)
	}
	fs.Parse(args)
	p.interests = []string{}
	for _, tag := range strings.Split(*tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			p.interests = append(p.interests, tag)
		}
	}
}

// matchOne connects a user and waits until it is paired.
func (p *pairOptions) matchOne(ctx context.Context, i int, collector *loadtest.Collector) (*loadtest.Client, protocol.MatchFoundMsg, bool) {
	var found protocol.MatchFoundMsg
	c := dial(ctx, p.url, collector)
	if c == nil {
		return nil, found, false
	}
	start := time.Now()
	err := c.Send(protocol.TypeFindMatch, protocol.FindMatchMsg{
		Name:        fmt.Sprintf("load-%d", i),
		Fingerprint: "loadtest-" + c.ID(),
		Interests:   p.interests,
	})
	if err == nil {
		mctx, cancel := context.WithTimeout(ctx, p.matchTimeout)
		err = c.Await(mctx, protocol.TypeMatchFound, &found)
		cancel()
	}
	if err != nil {
		collector.AddError()
		c.Close()
		return nil, found, false
	}
	collector.AddMatch(time.Since(start))
	return c, found, true
}

func runMatch(args []string) {
	var opts pairOptions
	opts.parse("match", args, nil)
	fmt.Printf("Match: %d pairs against %s (interests=%v)\n", opts.pairs, opts.url, opts.interests)
	ctx, stop, collector, scraper := opts.start()

	opts.launch(ctx, opts.pairs*2, func(ctx context.Context, i int) {
		c, found, ok := opts.matchOne(ctx, i, collector)
		if !ok {
			return
		}
		defer c.Close()
		// Give the partner a moment to see match_found before leaving.
		time.Sleep(500 * time.Millisecond)
		c.Send(protocol.TypeLeaveSession, protocol.LeaveSessionMsg{SessionID: found.SessionID})
	})
	finish(stop, collector, scraper)
}

func runChat(args []string) {
	var opts pairOptions
	var messages int
	var gap time.Duration
	opts.parse("chat", args, func(fs *flag.FlagSet) {
		fs.IntVar(&messages, "messages", 20, "Messages each user sends")
		fs.DurationVar(&gap, "gap", 200*time.Millisecond, "Pause between messages")
	})
	fmt.Printf("Chat: %d pairs, %d messages each, against %s\n", opts.pairs, messages, opts.url)
	ctx, stop, collector, scraper := opts.start()

	// Send times keyed by message id, shared so the receiving side of a
	// pair can look up when its partner sent.
	var sent sync.Map

	opts.launch(ctx, opts.pairs*2, func(ctx context.Context, i int) {
		c, found, ok := opts.matchOne(ctx, i, collector)
		if !ok {
			return
		}
		defer c.Close()

		c.On(protocol.TypeMessage, func(raw json.RawMessage) {
			var m protocol.ServerChatMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				return
			}
			if at, ok := sent.LoadAndDelete(m.ID); ok {
				collector.AddRelay(time.Since(at.(time.Time)))
			}
		})
		for n := 0; n < messages; n++ {
			id := fmt.Sprintf("%s-%d", c.ID(), n)
			sent.Store(id, time.Now())
			err := c.Send(protocol.TypeMessage, protocol.ChatMsg{
				SessionID: found.SessionID,
				ID:        id,
				Kind:      chat.KindText,
				Text:      fmt.Sprintf("hello %d", n),
			})
			if err != nil {
				collector.AddError()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
		}
		c.Send(protocol.TypeLeaveSession, protocol.LeaveSessionMsg{SessionID: found.SessionID})
	})
	finish(stop, collector, scraper)
}

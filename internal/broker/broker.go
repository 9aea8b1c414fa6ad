// Package broker is the matchmaking and session engine. A single goroutine
// (Run) owns the connection registry, the waiting queue and every session;
// the transport, timers and moderation calls only post events to it, so no
// handler ever observes a half-applied change.
package broker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
	"github.com/whisper/pairchat/internal/timer"
)

// Sender delivers an encoded frame to a connection. It must not block.
type Sender interface {
	Send(connID string, data []byte) error
}

// BanChecker looks up a fingerprint in the ban list.
type BanChecker interface {
	Check(ctx context.Context, fingerprint string) (moderation.Verdict, error)
}

// ReportSink files reports with the moderation service.
type ReportSink interface {
	Submit(ctx context.Context, req moderation.ReportRequest) (moderation.ReportReply, error)
}

// Authenticator validates admin credentials and returns the admin's subject.
type Authenticator interface {
	Validate(token string) (string, error)
}

// ContentFilter screens message text and interest tags.
type ContentFilter interface {
	Check(text string) moderation.FilterResult
	CheckInterests(interests []string) []string
}

// Deps are the broker's collaborators. Out is required; a nil Bans skips
// ban checks, a nil Reports fails every report, a nil Auth refuses every
// admin, a nil Filter lets everything through, a nil Clock means wall time.
type Deps struct {
	Out     Sender
	Bans    BanChecker
	Reports ReportSink
	Auth    Authenticator
	Filter  ContentFilter
	Clock   timer.Scheduler
}

type handler func(c *registry.Connection, msg interface{}) error

// Broker is the session engine. Create it with New and start it with Run.
type Broker struct {
	cfg     Config
	clock   timer.Scheduler
	out     Sender
	bans    BanChecker
	reports ReportSink
	auth    Authenticator
	filter  ContentFilter

	events chan Event
	done   chan struct{}

	conns    *registry.Registry
	queue    *matching.Queue
	sessions map[chat.SessionID]*chat.Session
	handlers map[string]handler

	tasks    map[uint64]*loopTask
	taskSeq  uint64
	checkSeq uint64

	// async runs blocking work off the loop; post hands results back.
	async func(fn func())
	post  func(ev Event)
}

// New creates a Broker.
func New(cfg Config, deps Deps) *Broker {
	b := &Broker{
		cfg:      cfg.withDefaults(),
		clock:    deps.Clock,
		out:      deps.Out,
		bans:     deps.Bans,
		reports:  deps.Reports,
		auth:     deps.Auth,
		filter:   deps.Filter,
		done:     make(chan struct{}),
		conns:    registry.New(),
		queue:    matching.NewQueue(),
		sessions: make(map[chat.SessionID]*chat.Session),
		tasks:    make(map[uint64]*loopTask),
	}
	if b.clock == nil {
		b.clock = timer.Real{}
	}
	b.events = make(chan Event, b.cfg.EventBuffer)
	b.async = func(fn func()) { go fn() }
	b.post = func(ev Event) {
		select {
		case b.events <- ev:
		case <-b.done:
		}
	}

	b.handlers = map[string]handler{
		protocol.TypeFindMatch:    b.handleFindMatch,
		protocol.TypeCancelMatch:  b.handleCancelMatch,
		protocol.TypeLeaveSession: b.handleLeaveSession,
		protocol.TypeMessage:      b.handleMessage,
		protocol.TypeTyping:       b.handleTyping,
		protocol.TypeEffect:       b.handleEffect,
		protocol.TypeReact:        b.handleReact,
		protocol.TypeUnsend:       b.handleUnsend,
		protocol.TypeResync:       b.handleResync,
		protocol.TypeReport:       b.handleReport,
		protocol.TypeAdminAuth:    b.handleAdminAuth,
		protocol.TypeAdminAttach:  b.handleAdminAttach,
		protocol.TypeAdminDetach:  b.handleAdminDetach,
		protocol.TypePing:         b.handlePing,
	}
	return b
}

// Run processes events until ctx is cancelled, then closes every session
// with reason "shutdown".
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)
	log.Printf("[broker] event loop started")
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case ev := <-b.events:
			b.handle(ev)
		}
	}
}

// Submit queues an event for the loop. It blocks while the event buffer is
// full and returns immediately once the loop has stopped.
func (b *Broker) Submit(ev Event) {
	b.post(ev)
}

// Stats returns a snapshot of the broker's state, computed on the loop.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case b.events <- statsQuery{reply: reply}:
	case <-b.done:
		return Stats{}, fmt.Errorf("broker: stopped")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-b.done:
		return Stats{}, fmt.Errorf("broker: stopped")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// handle runs one event to completion. A panic is logged and the event is
// dropped; the loop keeps going.
func (b *Broker) handle(ev Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[broker] panic handling %T: %v\n%s", ev, r, debug.Stack())
		}
		metrics.EventLatency.Observe(time.Since(start).Seconds())
	}()

	switch e := ev.(type) {
	case Connect:
		b.onConnect(e.ConnID)
	case Disconnect:
		b.onDisconnect(e.ConnID)
	case Inbound:
		b.onInbound(e)
	case Ban:
		b.onBan(moderation.BanEvent(e))
	case banChecked:
		b.onBanChecked(e)
	case reportDone:
		b.onReportDone(e)
	case timerEvent:
		b.onTimer(e)
	case statsQuery:
		e.reply <- b.stats()
	default:
		log.Printf("[broker] unknown event %T", ev)
	}
}

func (b *Broker) onInbound(in Inbound) {
	c := b.conns.Get(in.ConnID)
	if c == nil {
		return // frame raced the disconnect
	}
	h, ok := b.handlers[in.Type]
	if !ok {
		b.sendError(c.ID, protocol.CodeInvalidMessage, fmt.Sprintf("unknown message type %q", in.Type))
		return
	}
	if err := h(c, in.Msg); err != nil {
		b.fail(c, in.Type, err)
	}
}

func (b *Broker) handlePing(c *registry.Connection, _ interface{}) error {
	b.send(c.ID, protocol.TypePong, nil)
	return nil
}

// payload asserts the decoded frame type a handler expects.
func payload[T any](msg interface{}) (T, error) {
	m, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected payload %T", ErrInvalidMessage, msg)
	}
	return m, nil
}

// loopTask is a timer whose callback runs on the loop. Stopping it removes
// it from b.tasks, so a callback already queued as a timerEvent is dropped.
type loopTask struct {
	b     *Broker
	id    uint64
	inner timer.Task
}

func (t *loopTask) Stop() bool {
	_, live := t.b.tasks[t.id]
	delete(t.b.tasks, t.id)
	t.inner.Stop()
	return live
}

// schedule runs fn on the loop after d unless the returned task is stopped
// first. Must be called from the loop.
func (b *Broker) schedule(d time.Duration, fn func()) timer.Task {
	b.taskSeq++
	id := b.taskSeq
	t := &loopTask{b: b, id: id}
	b.tasks[id] = t
	t.inner = b.clock.AfterFunc(d, func() {
		b.post(timerEvent{id: id, fn: fn})
	})
	return t
}

func (b *Broker) onTimer(e timerEvent) {
	if _, live := b.tasks[e.id]; !live {
		return
	}
	delete(b.tasks, e.id)
	e.fn()
}

func (b *Broker) shutdown() {
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.closeSession(b.sessions[chat.SessionID(id)], chat.ReasonShutdown, nil)
	}
	for _, connID := range b.queue.ConnIDs() {
		b.queue.Remove(connID)
	}
	for id, t := range b.tasks {
		t.inner.Stop()
		delete(b.tasks, id)
	}
	log.Printf("[broker] shut down, closed %d sessions", len(ids))
}

func (b *Broker) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[broker] encode %s: %v", msgType, err)
		return
	}
	if err := b.out.Send(connID, data); err != nil {
		log.Printf("[broker] send %s to %s: %v", msgType, connID, err)
	}
}

// broadcast encodes once and sends to every id.
func (b *Broker) broadcast(ids []string, msgType string, payload interface{}) {
	if len(ids) == 0 {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[broker] encode %s: %v", msgType, err)
		return
	}
	for _, id := range ids {
		if err := b.out.Send(id, data); err != nil {
			log.Printf("[broker] send %s to %s: %v", msgType, id, err)
		}
	}
}

func (b *Broker) sendError(connID, code, message string) {
	b.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

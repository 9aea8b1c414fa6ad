package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/timer"
)

const testSecret = "test-secret"

// recorder is a Sender that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][][]byte)}
}

func (r *recorder) Send(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[connID] = append(r.frames[connID], append([]byte(nil), data...))
	return nil
}

func (r *recorder) raw(connID, msgType string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, f := range r.frames[connID] {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &env) == nil && env.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) count(connID, msgType string) int {
	return len(r.raw(connID, msgType))
}

func (r *recorder) types(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames[connID] {
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = make(map[string][][]byte)
	r.mu.Unlock()
}

type fakeBans struct {
	verdicts map[string]moderation.Verdict
	err      error
	calls    int
}

func (f *fakeBans) Check(_ context.Context, fp string) (moderation.Verdict, error) {
	f.calls++
	if f.err != nil {
		return moderation.Verdict{}, f.err
	}
	return f.verdicts[fp], nil
}

type fakeReports struct {
	err error
	got []moderation.ReportRequest
}

func (f *fakeReports) Submit(_ context.Context, req moderation.ReportRequest) (moderation.ReportReply, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return moderation.ReportReply{}, f.err
	}
	return moderation.ReportReply{ReportID: req.ReportID, Accepted: true}, nil
}

// harness drives a Broker synchronously: events are handled on the test
// goroutine, async work runs inline and timers only fire on advance.
type harness struct {
	t       *testing.T
	b       *Broker
	clock   *timer.Manual
	out     *recorder
	bans    *fakeBans
	reports *fakeReports
	pending []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   timer.NewManual(time.UnixMilli(0)),
		out:     newRecorder(),
		bans:    &fakeBans{verdicts: map[string]moderation.Verdict{}},
		reports: &fakeReports{},
	}
	h.b = New(DefaultConfig(), Deps{
		Out:     h.out,
		Bans:    h.bans,
		Reports: h.reports,
		Auth:    auth.NewValidator([]byte(testSecret), ""),
		Filter:  moderation.NewFilter(),
		Clock:   h.clock,
	})
	h.b.async = func(fn func()) { fn() }
	h.b.post = func(ev Event) { h.pending = append(h.pending, ev) }
	return h
}

func (h *harness) dispatch(ev Event) {
	h.b.handle(ev)
	h.drain()
}

func (h *harness) drain() {
	for len(h.pending) > 0 {
		ev := h.pending[0]
		h.pending = h.pending[1:]
		h.b.handle(ev)
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) connect(ids ...string) {
	for _, id := range ids {
		h.dispatch(Connect{ConnID: id})
	}
}

func (h *harness) disconnect(id string) {
	h.dispatch(Disconnect{ConnID: id})
}

// in sends a raw client frame from connID.
func (h *harness) in(connID, frame string) {
	h.t.Helper()
	typ, msg, err := protocol.ParseClientMessage([]byte(frame))
	require.NoError(h.t, err, frame)
	h.dispatch(Inbound{ConnID: connID, Type: typ, Msg: msg})
}

func (h *harness) inf(connID, format string, args ...interface{}) {
	h.t.Helper()
	h.in(connID, fmt.Sprintf(format, args...))
}

func (h *harness) findMatch(connID, name, fp string, interests ...string) {
	h.t.Helper()
	tags, _ := json.Marshal(interests)
	h.inf(connID, `{"type":"find_match","name":%q,"fingerprint":%q,"interests":%s}`, name, fp, tags)
}

// pair connects two clients and matches them. It returns the session id
// and each side's resume token.
func (h *harness) pair(a, b string) (sid, tokenA, tokenB string) {
	h.t.Helper()
	h.connect(a, b)
	h.findMatch(a, "Alice", "fp-"+a)
	h.findMatch(b, "Bob", "fp-"+b)
	fa := last[protocol.MatchFoundMsg](h.t, h, a, protocol.TypeMatchFound)
	fb := last[protocol.MatchFoundMsg](h.t, h, b, protocol.TypeMatchFound)
	require.Equal(h.t, fa.SessionID, fb.SessionID)
	return fa.SessionID, fa.ResumeToken, fb.ResumeToken
}

func (h *harness) say(connID, sid, id, text string) {
	h.t.Helper()
	h.inf(connID, `{"type":"message","session_id":%q,"id":%q,"text":%q}`, sid, id, text)
}

func (h *harness) errorCodes(connID string) []string {
	var codes []string
	for _, raw := range h.out.raw(connID, protocol.TypeError) {
		var e protocol.ErrorMsg
		require.NoError(h.t, json.Unmarshal(raw, &e))
		codes = append(codes, e.Code)
	}
	return codes
}

func (h *harness) adminToken() string {
	h.t.Helper()
	tok, err := auth.NewValidator([]byte(testSecret), "").Issue("ops", time.Hour)
	require.NoError(h.t, err)
	return tok
}

// last decodes the newest frame of msgType sent to connID.
func last[T any](t *testing.T, h *harness, connID, msgType string) T {
	t.Helper()
	frames := h.out.raw(connID, msgType)
	require.NotEmpty(t, frames, "%s received no %s frame", connID, msgType)
	var v T
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &v))
	return v
}

func banVerdict(reason string, d time.Duration) moderation.Verdict {
	return moderation.Verdict{Banned: true, Reason: reason, Remaining: d}
}

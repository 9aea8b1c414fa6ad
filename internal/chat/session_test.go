package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whisper/pairchat/internal/timer"
)

func newTestSession() *Session {
	return NewSession(
		Participant{ConnID: "c-alice", Name: "Alice", Fingerprint: "fp-a"},
		Participant{ConnID: "c-bob", Name: "Bob", Fingerprint: "fp-b"},
		"random", nil, 10, time.Unix(100, 0),
	)
}

func TestNewSessionID_ReadableAndUnique(t *testing.T) {
	a := NewSessionID("Alice", "Bob")
	b := NewSessionID("Alice", "Bob")

	if a == b {
		t.Fatalf("two pairs with the same names got the same id %q", a)
	}
	if !strings.HasPrefix(string(a), "alice-bob-") {
		t.Errorf("id %q should start with the participants' names", a)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Alice":                      "alice",
		"  Mr. Smith ":               "mr-smith",
		"🙂🙂":                         "anon",
		"":                           "anon",
		"averyveryverylongnamethere": "averyveryverylon",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSession_Defaults(t *testing.T) {
	s := newTestSession()

	if s.State != StateMatched {
		t.Fatalf("expected matched, got %s", s.State)
	}
	for _, sl := range s.Slots {
		if !sl.Present {
			t.Errorf("slot %s should start present", sl.Name)
		}
		if sl.ResumeToken == "" {
			t.Errorf("slot %s has no resume token", sl.Name)
		}
	}
	if s.Slots[0].ResumeToken == s.Slots[1].ResumeToken {
		t.Error("resume tokens must differ per slot")
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateMatched, StateActive, true},
		{StateMatched, StateDegraded, true},
		{StateActive, StateDegraded, true},
		{StateDegraded, StateActive, true},
		{StateDegraded, StateClosed, true},
		{StateActive, StateClosed, true},
		{StateActive, StateMatched, false},
		{StateClosed, StateActive, false},
		{StateClosed, StateDegraded, false},
	}
	for _, tc := range cases {
		s := newTestSession()
		s.State = tc.from
		err := s.Transition(tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestMarkAbsentAndRebind(t *testing.T) {
	s := newTestSession()
	s.Activate()

	bob := s.Slot("c-bob")
	if err := s.MarkAbsent(bob); err != nil {
		t.Fatalf("MarkAbsent: %v", err)
	}
	if s.State != StateDegraded || s.Absent() != 1 {
		t.Fatalf("expected degraded with 1 absent, got %s/%d", s.State, s.Absent())
	}
	if s.IsParticipant("c-bob") {
		t.Error("absent connection should not count as participant")
	}
	if got := s.Recipients(""); len(got) != 1 || got[0] != "c-alice" {
		t.Errorf("recipients while degraded = %v", got)
	}

	if err := s.Rebind(bob, "c-bob-2"); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if s.State != StateActive {
		t.Errorf("expected active after rebind, got %s", s.State)
	}
	if !s.IsParticipant("c-bob-2") {
		t.Error("new connection should hold the slot")
	}
	if err := s.Rebind(bob, "c-bob-3"); err == nil {
		t.Error("rebinding a present slot should fail")
	}
}

func TestRebind_StaysDegradedWhileOtherAbsent(t *testing.T) {
	s := newTestSession()
	alice, bob := s.Slots[0], s.Slots[1]
	s.MarkAbsent(alice)
	s.MarkAbsent(bob)

	if err := s.Rebind(alice, "c-alice-2"); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if s.State != StateDegraded {
		t.Errorf("expected degraded while bob is away, got %s", s.State)
	}
}

func TestRecipients_IncludesObserverAndExcludesSender(t *testing.T) {
	s := newTestSession()
	s.Observer = "c-admin"

	got := s.Recipients("c-alice")
	if len(got) != 2 || got[0] != "c-bob" || got[1] != "c-admin" {
		t.Fatalf("unexpected recipients %v", got)
	}
	if got := s.Recipients("c-admin"); len(got) != 2 {
		t.Errorf("admin-authored event should reach both participants, got %v", got)
	}
}

func TestClose_StopsTasksAndClearsHistory(t *testing.T) {
	clock := timer.NewManual(time.Unix(0, 0))
	s := newTestSession()
	fired := 0
	s.Idle = clock.AfterFunc(time.Minute, func() { fired++ })
	s.Slots[1].Grace = clock.AfterFunc(time.Second, func() { fired++ })
	s.History.Append(Message{ID: "m1", Ts: s.History.Stamp(1)})

	s.Close()
	s.Close()

	clock.Advance(time.Hour)
	if fired != 0 {
		t.Errorf("%d tasks fired after close", fired)
	}
	if s.State != StateClosed {
		t.Errorf("expected closed, got %s", s.State)
	}
	if s.History.Len() != 0 {
		t.Error("history should be discarded on close")
	}
}

func TestSlotByToken(t *testing.T) {
	s := newTestSession()

	if s.SlotByToken(s.Slots[1].ResumeToken) != s.Slots[1] {
		t.Error("token should resolve to its slot")
	}
	if s.SlotByToken("bogus") != nil || s.SlotByToken("") != nil {
		t.Error("unknown or empty token should resolve to nil")
	}
}

// Package chat models a paired chat room: the two participant slots, the
// session state machine, and the bounded message history used for resync.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/timer"
)

// SessionID identifies one session. It is derived from the participants'
// names for readability and carries a random suffix so two pairs with the
// same names never share an id.
type SessionID string

// State is a session state.
type State string

const (
	StateMatched  State = "matched"  // just paired, no traffic yet
	StateActive   State = "active"   // both present, relay open
	StateDegraded State = "degraded" // a participant is absent, grace running
	StateClosed   State = "closed"   // terminal
)

// Close reasons.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonInactive     = "inactive"
	ReasonBanned       = "banned"
	ReasonShutdown     = "shutdown"
	ReasonResumed      = "resumed" // slot taken over by a newer connection
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("chat: invalid state transition")

var transitions = map[State][]State{
	StateMatched:  {StateActive, StateDegraded, StateClosed},
	StateActive:   {StateDegraded, StateClosed},
	StateDegraded: {StateActive, StateClosed},
}

// Participant is the identity a slot is created from.
type Participant struct {
	ConnID      string
	Name        string
	Fingerprint string
}

// Slot is one of the two participant positions of a session. The slot
// outlives its connection during the grace window.
type Slot struct {
	ConnID      string
	Name        string
	Fingerprint string
	Present     bool
	ResumeToken string

	Grace  timer.Task // reconnection grace, set while absent
	Typing timer.Task // typing debounce
}

// Session is one paired chat room.
type Session struct {
	ID              SessionID
	State           State
	Slots           [2]*Slot
	History         *History
	Kind            string // match kind: "interest" or "random"
	SharedInterests []string
	CreatedAt       time.Time
	LastActivity    time.Time
	Observer        string // admin connection id, empty when none

	Idle      timer.Task // inactivity threshold
	IdleFinal timer.Task // final window after the warning
	Warned    bool
}

// NewSessionID builds a SessionID for the pair a, b.
func NewSessionID(a, b string) SessionID {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return SessionID(fmt.Sprintf("%s-%s-%s", slug(a), slug(b), suffix))
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 16 {
		s = strings.Trim(s[:16], "-")
	}
	if s == "" {
		return "anon"
	}
	return s
}

// NewSession creates a session in the matched state with both slots present.
func NewSession(a, b Participant, kind string, shared []string, historySize int, now time.Time) *Session {
	newSlot := func(p Participant) *Slot {
		return &Slot{
			ConnID:      p.ConnID,
			Name:        p.Name,
			Fingerprint: p.Fingerprint,
			Present:     true,
			ResumeToken: uuid.New().String(),
		}
	}
	return &Session{
		ID:              NewSessionID(a.Name, b.Name),
		State:           StateMatched,
		Slots:           [2]*Slot{newSlot(a), newSlot(b)},
		History:         NewHistory(historySize),
		Kind:            kind,
		SharedInterests: shared,
		CreatedAt:       now,
		LastActivity:    now,
	}
}

// Transition moves the session to the given state if the state machine
// allows it.
func (s *Session) Transition(to State) error {
	for _, allowed := range transitions[s.State] {
		if allowed == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// Slot returns the slot currently held by connID, or nil.
func (s *Session) Slot(connID string) *Slot {
	for _, sl := range s.Slots {
		if sl.ConnID == connID && sl.Present {
			return sl
		}
	}
	return nil
}

// Partner returns the other slot of the one held by connID, or nil.
func (s *Session) Partner(connID string) *Slot {
	switch {
	case s.Slots[0].ConnID == connID:
		return s.Slots[1]
	case s.Slots[1].ConnID == connID:
		return s.Slots[0]
	}
	return nil
}

// SlotByToken returns the slot whose resume token matches, or nil.
func (s *Session) SlotByToken(token string) *Slot {
	if token == "" {
		return nil
	}
	for _, sl := range s.Slots {
		if sl.ResumeToken == token {
			return sl
		}
	}
	return nil
}

// IsParticipant reports whether connID currently occupies a slot.
func (s *Session) IsParticipant(connID string) bool {
	return s.Slot(connID) != nil
}

// Absent returns the number of slots whose participant is away.
func (s *Session) Absent() int {
	n := 0
	for _, sl := range s.Slots {
		if !sl.Present {
			n++
		}
	}
	return n
}

// MarkAbsent records that sl's connection dropped and moves the session to
// degraded.
func (s *Session) MarkAbsent(sl *Slot) error {
	if s.State != StateDegraded {
		if err := s.Transition(StateDegraded); err != nil {
			return err
		}
	}
	sl.Present = false
	timer.Stop(sl.Typing)
	sl.Typing = nil
	return nil
}

// Rebind attaches a returning connection to an absent slot. The session
// becomes active again once no slot is absent.
func (s *Session) Rebind(sl *Slot, connID string) error {
	if sl.Present {
		return fmt.Errorf("chat: slot %q is not absent", sl.Name)
	}
	sl.ConnID = connID
	sl.Present = true
	timer.Stop(sl.Grace)
	sl.Grace = nil
	if s.Absent() == 0 {
		return s.Transition(StateActive)
	}
	return nil
}

// Activate performs the implicit matched -> active transition on the first
// relay event. It reports whether the state changed.
func (s *Session) Activate() bool {
	if s.State != StateMatched {
		return false
	}
	return s.Transition(StateActive) == nil
}

// Recipients returns the connections a relayed event reaches: present
// participants and the observer, minus exclude.
func (s *Session) Recipients(exclude string) []string {
	out := make([]string, 0, 3)
	for _, sl := range s.Slots {
		if sl.Present && sl.ConnID != exclude {
			out = append(out, sl.ConnID)
		}
	}
	if s.Observer != "" && s.Observer != exclude {
		out = append(out, s.Observer)
	}
	return out
}

// Close moves the session to closed, stops every task it owns and discards
// its history. Closing twice is a no-op.
func (s *Session) Close() {
	if s.State == StateClosed {
		return
	}
	s.State = StateClosed
	for _, sl := range s.Slots {
		timer.Stop(sl.Grace)
		timer.Stop(sl.Typing)
		sl.Grace, sl.Typing = nil, nil
	}
	timer.Stop(s.Idle)
	timer.Stop(s.IdleFinal)
	s.Idle, s.IdleFinal = nil, nil
	s.History.Clear()
}

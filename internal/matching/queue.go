// Package matching holds the waiting queue and the two-phase pairing
// algorithm. The queue is owned by the broker loop and is not safe for
// concurrent use.
package matching

import (
	"errors"
	"time"

	"github.com/whisper/pairchat/internal/timer"
)

// DefaultInterestFallback is how long a tagged ticket waits for an interest
// match before it is reissued untagged.
const DefaultInterestFallback = 5 * time.Second

// Match kinds.
const (
	KindInterest = "interest"
	KindRandom   = "random"
)

// ErrDuplicateTicket is returned when a connection already has a ticket.
var ErrDuplicateTicket = errors.New("matching: connection already queued")

// Ticket is one connection's place in the waiting queue.
type Ticket struct {
	ConnID      string
	Name        string
	Fingerprint string
	Interests   []string
	EnqueuedAt  time.Time // reset when the ticket is reissued
	JoinedAt    time.Time // first enqueue, kept across reissue

	fallback timer.Task
}

// Tagged reports whether the ticket is still in the interest phase.
func (t *Ticket) Tagged() bool { return len(t.Interests) > 0 }

// Pair is the result of a successful match. A is the ticket that waited
// longer.
type Pair struct {
	A, B   Ticket
	Kind   string
	Shared []string
}

// Queue is the ordered collection of waiting tickets, oldest first.
type Queue struct {
	tickets []*Ticket
	index   map[string]*Ticket
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*Ticket)}
}

// Enqueue adds t to the queue and runs the pairing phase its tags select.
// A tagged ticket is paired with the oldest ticket whose tags intersect; an
// untagged ticket joins the general pool. It returns the pair formed, if any.
// Paired tickets are removed from the queue.
func (q *Queue) Enqueue(t Ticket) (*Pair, error) {
	if _, ok := q.index[t.ConnID]; ok {
		return nil, ErrDuplicateTicket
	}

	t.Interests = NormalizeInterests(t.Interests)
	if t.JoinedAt.IsZero() {
		t.JoinedAt = t.EnqueuedAt
	}
	ticket := &t

	if ticket.Tagged() {
		if cand, shared := q.interestCandidate(ticket); cand != nil {
			q.Remove(cand.ConnID)
			return &Pair{A: *cand, B: *ticket, Kind: KindInterest, Shared: shared}, nil
		}
		q.push(ticket)
		return nil, nil
	}

	q.push(ticket)
	return q.pairGeneral(), nil
}

// SetFallback records the interest fallback task of a queued ticket so
// Remove can stop it.
func (q *Queue) SetFallback(connID string, task timer.Task) {
	if t, ok := q.index[connID]; ok {
		t.fallback = task
	}
}

// Reissue moves a tagged ticket whose fallback window elapsed to the tail
// of the queue with an empty interest set and runs the general phase. The
// bool is false when the ticket is gone or already untagged, which makes a
// stale fallback fire harmless.
func (q *Queue) Reissue(connID string, now time.Time) (*Pair, bool) {
	t, ok := q.index[connID]
	if !ok || !t.Tagged() {
		return nil, false
	}
	q.remove(connID)
	t.fallback = nil
	t.Interests = nil
	t.EnqueuedAt = now
	q.push(t)
	return q.pairGeneral(), true
}

// Remove drops connID's ticket and stops its fallback task. It reports
// whether a ticket was removed; removing an absent ticket is a no-op.
func (q *Queue) Remove(connID string) bool {
	t := q.remove(connID)
	if t == nil {
		return false
	}
	timer.Stop(t.fallback)
	t.fallback = nil
	return true
}

// Get returns a copy of connID's ticket.
func (q *Queue) Get(connID string) (Ticket, bool) {
	t, ok := q.index[connID]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// Has reports whether connID is queued.
func (q *Queue) Has(connID string) bool {
	_, ok := q.index[connID]
	return ok
}

// Len returns the number of waiting tickets.
func (q *Queue) Len() int { return len(q.tickets) }

// ConnIDs returns the queued connection ids, oldest first.
func (q *Queue) ConnIDs() []string {
	out := make([]string, len(q.tickets))
	for i, t := range q.tickets {
		out[i] = t.ConnID
	}
	return out
}

func (q *Queue) push(t *Ticket) {
	q.tickets = append(q.tickets, t)
	q.index[t.ConnID] = t
}

func (q *Queue) remove(connID string) *Ticket {
	t, ok := q.index[connID]
	if !ok {
		return nil
	}
	delete(q.index, connID)
	for i, cur := range q.tickets {
		if cur == t {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			break
		}
	}
	return t
}

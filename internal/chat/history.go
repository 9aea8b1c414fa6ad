package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultHistorySize is the number of recent messages retained per session.
const DefaultHistorySize = 200

// ErrResyncCursorInvalid is returned by ParseCursor for an absent or
// malformed cursor. Callers replay the whole buffer in that case.
var ErrResyncCursorInvalid = errors.New("chat: resync cursor invalid")

// History stores the last N messages of one session in a ring buffer,
// ordered by server timestamp. It is owned by the broker loop and is not
// safe for concurrent use.
type History struct {
	items  []Message
	pos    int
	count  int
	lastTs int64
}

// NewHistory creates an empty History holding at most size messages.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{items: make([]Message, size)}
}

// Stamp returns the timestamp to assign to the next message given the
// observed time now (unix ms). Timestamps are strictly increasing so a
// resync cursor never hides a message that shares its millisecond.
func (h *History) Stamp(now int64) int64 {
	if now <= h.lastTs {
		return h.lastTs + 1
	}
	return now
}

// Append adds msg to the buffer, overwriting the oldest entry when full.
// msg.Ts must come from Stamp.
func (h *History) Append(msg Message) {
	size := len(h.items)
	h.items[h.pos] = msg
	h.pos = (h.pos + 1) % size
	if h.count < size {
		h.count++
	}
	if msg.Ts > h.lastTs {
		h.lastTs = msg.Ts
	}
}

// Len returns the number of buffered messages.
func (h *History) Len() int { return h.count }

// LastTs returns the timestamp of the newest message, or 0.
func (h *History) LastTs() int64 { return h.lastTs }

// Find returns the buffered message with the given id for in-place update,
// or nil if it is not (or no longer) buffered.
func (h *History) Find(id string) *Message {
	size := len(h.items)
	start := (h.pos - h.count + size) % size
	for i := 0; i < h.count; i++ {
		m := &h.items[(start+i)%size]
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Since returns copies of every buffered message with Ts strictly greater
// than cursor, oldest first.
func (h *History) Since(cursor int64) []Message {
	size := len(h.items)
	start := (h.pos - h.count + size) % size
	result := make([]Message, 0, h.count)
	for i := 0; i < h.count; i++ {
		m := h.items[(start+i)%size]
		if m.Ts > cursor {
			result = append(result, m.Clone())
		}
	}
	return result
}

// All returns copies of every buffered message, oldest first.
func (h *History) All() []Message {
	return h.Since(-1)
}

// Last returns copies of the newest n messages, oldest first.
func (h *History) Last(n int) []Message {
	all := h.All()
	if n >= 0 && len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// Clear drops every buffered message.
func (h *History) Clear() {
	for i := range h.items {
		h.items[i] = Message{}
	}
	h.pos = 0
	h.count = 0
}

// ParseCursor validates a client-supplied resync cursor, the raw JSON
// value of last_ts. Only a non-negative integer is a cursor; anything else
// (absent, null, a string, a fraction) is ErrResyncCursorInvalid.
func ParseCursor(raw []byte) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return -1, ErrResyncCursorInvalid
	}
	cursor, err := strconv.ParseInt(text, 10, 64)
	if err != nil || cursor < 0 {
		return -1, fmt.Errorf("%w: %q", ErrResyncCursorInvalid, text)
	}
	return cursor, nil
}

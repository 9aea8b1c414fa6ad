package broker

import (
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/moderation"
)

// Event is anything the loop processes.
type Event interface{ isEvent() }

// Connect registers a new transport connection.
type Connect struct{ ConnID string }

// Disconnect reports that a transport connection is gone.
type Disconnect struct{ ConnID string }

// Inbound is one decoded client frame. Msg is the value returned by
// protocol.ParseClientMessage.
type Inbound struct {
	ConnID string
	Type   string
	Msg    interface{}
}

// Ban is a ban announced by the moderation service.
type Ban moderation.BanEvent

type banChecked struct {
	connID  string
	id      uint64
	ticket  matching.Ticket
	verdict moderation.Verdict
	err     error
}

type reportDone struct {
	connID string
	req    moderation.ReportRequest
	reply  moderation.ReportReply
	err    error
}

type timerEvent struct {
	id uint64
	fn func()
}

type statsQuery struct{ reply chan Stats }

func (Connect) isEvent()    {}
func (Disconnect) isEvent() {}
func (Inbound) isEvent()    {}
func (Ban) isEvent()        {}
func (banChecked) isEvent() {}
func (reportDone) isEvent() {}
func (timerEvent) isEvent() {}
func (statsQuery) isEvent() {}

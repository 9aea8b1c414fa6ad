package broker

import (
	"errors"
	"log"

	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

// Handler errors. Each maps to an error code sent back to the client.
var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrSessionNotFound  = errors.New("session not found, start a new match")
	ErrNotParticipant   = errors.New("not a participant of this session")
	ErrNotSender        = errors.New("only the sender can unsend a message")
	ErrNotAdmin         = errors.New("admin credential required")
	ErrObserverPresent  = errors.New("session already has an observer")
	ErrAlreadyInSession = errors.New("already in a session")
	ErrBlocked          = errors.New("message blocked")
	ErrReportFailed     = errors.New("report could not be filed, try again")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidMessage, protocol.CodeInvalidMessage},
	{ErrSessionNotFound, protocol.CodeSessionNotFound},
	{ErrNotParticipant, protocol.CodeNotParticipant},
	{ErrNotSender, protocol.CodeNotSender},
	{ErrNotAdmin, protocol.CodeNotAdmin},
	{ErrObserverPresent, protocol.CodeObserverPresent},
	{ErrAlreadyInSession, protocol.CodeAlreadyInSession},
	{ErrBlocked, protocol.CodeMessageBlocked},
	{ErrReportFailed, protocol.CodeReportFailed},
}

// fail reports a handler error to the connection that caused it.
func (b *Broker) fail(c *registry.Connection, msgType string, err error) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			b.sendError(c.ID, ec.code, err.Error())
			return
		}
	}
	log.Printf("[broker] %s from %s: %v", msgType, c.ID, err)
	b.sendError(c.ID, protocol.CodeInternal, "internal error")
}

// Package protocol defines the WebSocket message types exchanged between
// clients and the broker. Every frame is a JSON object whose "type" field
// selects the concrete payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/pairchat/internal/chat"
)

// Client -> Server message types.
const (
	TypeFindMatch    = "find_match"
	TypeCancelMatch  = "cancel_match"
	TypeLeaveSession = "leave_session"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeEffect       = "effect"
	TypeReact        = "react"
	TypeUnsend       = "unsend"
	TypeResync       = "resync"
	TypeReport       = "report"
	TypeAdminAuth    = "admin_auth"
	TypeAdminAttach  = "admin_attach"
	TypeAdminDetach  = "admin_detach"
	TypePing         = "ping"
)

// Server -> Client message types. "message", "typing" and "effect" reuse
// the client constants above.
const (
	TypeConnected          = "connected"
	TypeMatchingStarted    = "matching_started"
	TypeMatchCancelled     = "match_cancelled"
	TypeMatchFound         = "match_found"
	TypePartnerAway        = "partner_away"
	TypePartnerBack        = "partner_back"
	TypePartnerLeft        = "partner_left"
	TypeSessionClosed      = "session_closed"
	TypeMessageAck         = "message_ack"
	TypeReaction           = "reaction"
	TypeUnsent             = "unsent"
	TypeResyncBatch        = "resync_batch"
	TypeBanned             = "banned"
	TypeAdminJoined        = "admin_joined"
	TypeAdminLeft          = "admin_left"
	TypeAdminAuthenticated = "admin_authenticated"
	TypeInactivityWarning  = "inactivity_warning"
	TypePresenceCount      = "presence_count"
	TypeReportAck          = "report_ack"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeSessionNotFound  = "session_not_found"
	CodeMessageBlocked   = "message_blocked"
	CodeNotParticipant   = "not_participant"
	CodeNotSender        = "not_sender"
	CodeNotAdmin         = "not_admin"
	CodeObserverPresent  = "observer_present"
	CodeAlreadyInSession = "already_in_session"
	CodeReportFailed     = "report_failed"
	CodeInternal         = "internal_error"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the whole frame and extracts only the type field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// FindMatchMsg enters the waiting queue. Interests may be empty.
type FindMatchMsg struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Fingerprint string   `json:"fingerprint"`
	Interests   []string `json:"interests"`
}

type CancelMatchMsg struct {
	Type string `json:"type"`
}

type LeaveSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ChatMsg carries one message payload. ID is optional; the server assigns
// one when it is empty.
type ChatMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	ID        string          `json:"id"`
	Kind      chat.Kind       `json:"kind"`
	Text      string          `json:"text"`
	Images    []string        `json:"images"`
	Audio     *chat.AudioClip `json:"audio"`
	GIF       string          `json:"gif"`
	Sticker   string          `json:"sticker"`
	ReplyTo   *chat.ReplyRef  `json:"reply_to"`
}

type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// EffectMsg triggers a transient visual effect on the partner's screen.
type EffectMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type ReactMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove"`
}

type UnsendMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// ResyncMsg asks for messages newer than LastTs. ResumeToken is required
// when the sending connection is not the one the slot was last bound to.
// LastTs is kept raw so a malformed cursor still reaches the broker, which
// replays the whole buffer for it (see chat.ParseCursor).
type ResyncMsg struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	ResumeToken string          `json:"resume_token"`
	LastTs      json.RawMessage `json:"last_ts,omitempty"`
}

type ReportMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Evidence  string `json:"evidence"`
}

type AdminAuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type AdminAttachMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type AdminDetachMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type ConnectedMsg struct {
	ConnectionID string `json:"connection_id"`
}

// MatchingStartedMsg confirms the ticket is queued. InterestTimeout is the
// interest fallback window in seconds, zero for untagged tickets.
type MatchingStartedMsg struct {
	InterestTimeout int `json:"interest_timeout"`
}

type MatchCancelledMsg struct{}

// MatchFoundMsg is sent to each participant of a new session. ResumeToken
// lets the participant reclaim its slot from a new connection.
type MatchFoundMsg struct {
	SessionID       string   `json:"session_id"`
	PartnerName     string   `json:"partner_name"`
	MatchKind       string   `json:"match_kind"`
	SharedInterests []string `json:"shared_interests"`
	ResumeToken     string   `json:"resume_token"`
}

type PartnerAwayMsg struct {
	SessionID    string `json:"session_id"`
	PartnerName  string `json:"partner_name"`
	GraceSeconds int    `json:"grace_seconds"`
}

type PartnerBackMsg struct {
	SessionID   string `json:"session_id"`
	PartnerName string `json:"partner_name"`
}

// PartnerLeftMsg tells the survivor the partner ended the session.
type PartnerLeftMsg struct {
	SessionID   string `json:"session_id"`
	PartnerName string `json:"partner_name"`
	Reason      string `json:"reason"`
}

type SessionClosedMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ServerChatMsg relays a buffered message.
type ServerChatMsg struct {
	SessionID string `json:"session_id"`
	chat.Message
}

type MessageAckMsg struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Ts        int64  `json:"ts"`
}

type ServerTypingMsg struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	IsTyping  bool   `json:"is_typing"`
}

type ServerEffectMsg struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	From      string `json:"from"`
}

// ReactionMsg carries the full reaction counts of a message after a change.
type ReactionMsg struct {
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	Emoji     string         `json:"emoji"`
	From      string         `json:"from"`
	Removed   bool           `json:"removed"`
	Reactions map[string]int `json:"reactions"`
}

type UnsentMsg struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
}

// ResyncBatchMsg answers a resync request or an admin attach.
type ResyncBatchMsg struct {
	SessionID   string         `json:"session_id"`
	State       string         `json:"state"`
	PartnerName string         `json:"partner_name,omitempty"`
	Messages    []chat.Message `json:"messages"`
}

// BannedMsg is sent when the client's fingerprint is banned. Duration is
// the remaining ban time in seconds.
type BannedMsg struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

type AdminJoinedMsg struct {
	SessionID string `json:"session_id"`
}

type AdminLeftMsg struct {
	SessionID string `json:"session_id"`
}

type AdminAuthenticatedMsg struct {
	Subject string `json:"subject"`
}

type InactivityWarningMsg struct {
	SessionID string `json:"session_id"`
	Seconds   int    `json:"seconds"`
}

type PresenceCountMsg struct {
	Count int `json:"count"`
}

type ReportAckMsg struct {
	SessionID string `json:"session_id"`
	ReportID  string `json:"report_id"`
}

type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func decode[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeFindMatch:    decode[FindMatchMsg],
	TypeCancelMatch:  decode[CancelMatchMsg],
	TypeLeaveSession: decode[LeaveSessionMsg],
	TypeMessage:      decode[ChatMsg],
	TypeTyping:       decode[TypingMsg],
	TypeEffect:       decode[EffectMsg],
	TypeReact:        decode[ReactMsg],
	TypeUnsend:       decode[UnsendMsg],
	TypeResync:       decode[ResyncMsg],
	TypeReport:       decode[ReportMsg],
	TypeAdminAuth:    decode[AdminAuthMsg],
	TypeAdminAttach:  decode[AdminAttachMsg],
	TypeAdminDetach:  decode[AdminDetachMsg],
	TypePing:         decode[PingMsg],
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and an error for unknown
// or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	dec, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a JSON object with msgType injected
// under "type". A nil payload produces {"type": msgType}.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload for %q is not an object: %w", msgType, err)
		}
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode.
// It panics on failure.
func MustServerMessage(msgType string, payload interface{}) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}

// NewError builds an error frame.
func NewError(code, message string) []byte {
	return MustServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}

// NewClientMessage encodes a client frame. The envelope shape is the same
// in both directions.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}

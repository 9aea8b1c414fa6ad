package broker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/registry"
)

const (
	maxMessageID   = 64
	maxEffectName  = 32
	maxEmojiLength = 8 // runes
	adminSender    = "admin"
)

// authorKey identifies who wrote a message independently of the
// connection, so ownership survives a reconnect.
func authorKey(c *registry.Connection, sl *chat.Slot) string {
	if sl != nil {
		return sl.ResumeToken
	}
	return "admin:" + c.ID
}

// handleMessage stamps, buffers and relays a chat message. The sender gets
// message_ack instead of an echo. A repeated id is acknowledged again and
// not relayed.
func (b *Broker) handleMessage(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.ChatMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, true)
	if err != nil {
		return err
	}

	out := chat.Message{
		ID:      strings.TrimSpace(m.ID),
		Kind:    m.Kind,
		Text:    m.Text,
		Images:  m.Images,
		Audio:   m.Audio,
		GIF:     m.GIF,
		Sticker: m.Sticker,
		ReplyTo: m.ReplyTo,
	}
	if out.Kind == "" {
		out.Kind = chat.KindText
	}
	if len(out.ID) > maxMessageID {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: message id too long", ErrInvalidMessage)
	}
	if err := chat.ValidatePayload(&out); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if out.ID == "" {
		out.ID = uuid.NewString()
	} else if prev := s.History.Find(out.ID); prev != nil {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		b.send(c.ID, protocol.TypeMessageAck, protocol.MessageAckMsg{SessionID: string(s.ID), ID: prev.ID, Ts: prev.Ts})
		return nil
	}

	if b.filter != nil && out.Text != "" {
		if res := b.filter.Check(out.Text); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			return fmt.Errorf("%w: %s", ErrBlocked, res.Reason)
		}
	}

	if sl != nil {
		out.Sender = sl.Name
		s.Activate()
		if sl.Typing != nil {
			sl.Typing.Stop()
			sl.Typing = nil
		}
	} else {
		out.Sender = adminSender
		out.Admin = true
	}
	out.Ts = s.History.Stamp(b.clock.Now().UnixMilli())
	out.SetAuthor(authorKey(c, sl))
	s.History.Append(out)

	b.send(c.ID, protocol.TypeMessageAck, protocol.MessageAckMsg{SessionID: string(s.ID), ID: out.ID, Ts: out.Ts})
	b.broadcast(s.Recipients(c.ID), protocol.TypeMessage, protocol.ServerChatMsg{SessionID: string(s.ID), Message: out})
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	if sl != nil {
		b.touch(s)
	}
	return nil
}

// handleTyping relays the typing flag. A true flag clears itself after the
// debounce window unless refreshed.
func (b *Broker) handleTyping(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.TypingMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, false)
	if err != nil {
		return err
	}
	s.Activate()

	if sl.Typing != nil {
		sl.Typing.Stop()
		sl.Typing = nil
	}
	b.broadcast(s.Recipients(c.ID), protocol.TypeTyping, protocol.ServerTypingMsg{
		SessionID: string(s.ID),
		Name:      sl.Name,
		IsTyping:  m.IsTyping,
	})
	if m.IsTyping {
		id, token := s.ID, sl.ResumeToken
		sl.Typing = b.schedule(b.cfg.TypingDebounce, func() { b.typingExpired(id, token) })
	}
	return nil
}

func (b *Broker) typingExpired(id chat.SessionID, token string) {
	s := b.sessions[id]
	if s == nil {
		return
	}
	sl := s.SlotByToken(token)
	if sl == nil || !sl.Present {
		return
	}
	sl.Typing = nil
	b.broadcast(s.Recipients(sl.ConnID), protocol.TypeTyping, protocol.ServerTypingMsg{
		SessionID: string(s.ID),
		Name:      sl.Name,
	})
}

// handleEffect relays a named screen effect. Effects are not buffered.
func (b *Broker) handleEffect(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.EffectMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, false)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(m.Name)
	if name == "" || utf8.RuneCountInString(name) > maxEffectName {
		return fmt.Errorf("%w: bad effect name", ErrInvalidMessage)
	}
	s.Activate()
	b.broadcast(s.Recipients(c.ID), protocol.TypeEffect, protocol.ServerEffectMsg{
		SessionID: string(s.ID),
		Name:      name,
		From:      sl.Name,
	})
	return nil
}

// handleReact toggles one reaction and sends the new counts to everyone in
// the session, the reactor included.
func (b *Broker) handleReact(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.ReactMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, true)
	if err != nil {
		return err
	}
	emoji := strings.TrimSpace(m.Emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return fmt.Errorf("%w: bad emoji", ErrInvalidMessage)
	}
	target := s.History.Find(m.MessageID)
	if target == nil {
		return fmt.Errorf("%w: unknown message %q", ErrInvalidMessage, m.MessageID)
	}
	if !target.React(emoji, authorKey(c, sl), m.Remove) {
		return nil
	}

	from := adminSender
	if sl != nil {
		from = sl.Name
	}
	counts := make(map[string]int, len(target.Reactions))
	for k, v := range target.Reactions {
		counts[k] = v
	}
	b.broadcast(s.Recipients(""), protocol.TypeReaction, protocol.ReactionMsg{
		SessionID: string(s.ID),
		MessageID: target.ID,
		Emoji:     emoji,
		From:      from,
		Removed:   m.Remove,
		Reactions: counts,
	})
	if sl != nil {
		b.touch(s)
	}
	return nil
}

// handleUnsend flags one of the sender's own messages. The payload stays in
// the buffer so resync still shows the placeholder.
func (b *Broker) handleUnsend(c *registry.Connection, msg interface{}) error {
	m, err := payload[protocol.UnsendMsg](msg)
	if err != nil {
		return err
	}
	s, sl, err := b.member(c, m.SessionID, false)
	if err != nil {
		return err
	}
	target := s.History.Find(m.MessageID)
	if target == nil {
		return fmt.Errorf("%w: unknown message %q", ErrInvalidMessage, m.MessageID)
	}
	if target.Author() != sl.ResumeToken {
		return ErrNotSender
	}
	if target.Unsent {
		return nil
	}
	target.Unsent = true

	b.broadcast(s.Recipients(""), protocol.TypeUnsent, protocol.UnsentMsg{
		SessionID: string(s.ID),
		MessageID: target.ID,
		Sender:    sl.Name,
	})
	b.touch(s)
	return nil
}

package chat

// Kind identifies the payload variant carried by a Message.
type Kind string

// Payload variants.
const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindAudio   Kind = "audio"
	KindGIF     Kind = "gif"
	KindSticker Kind = "sticker"
)

// AudioClip references an uploaded voice note.
type AudioClip struct {
	URL        string `json:"url"`
	DurationMs int    `json:"duration_ms"`
}

// ReplyRef points at an earlier message in the same session.
type ReplyRef struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
}

// Message is one entry of a session's history. It is appended once and
// afterwards only its Unsent flag and reaction counts change.
type Message struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"` // display name
	Admin     bool           `json:"admin,omitempty"`
	Ts        int64          `json:"ts"` // unix ms, server-stamped
	Kind      Kind           `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Audio     *AudioClip     `json:"audio,omitempty"`
	GIF       string         `json:"gif,omitempty"`
	Sticker   string         `json:"sticker,omitempty"`
	ReplyTo   *ReplyRef      `json:"reply_to,omitempty"`
	Reactions map[string]int `json:"reactions,omitempty"`
	Unsent    bool           `json:"unsent,omitempty"`

	author  string
	reacted map[string]struct{} // emoji + "\x00" + reactor
}

// Author returns the opaque key of the participant that sent the message.
func (m *Message) Author() string { return m.author }

// SetAuthor records who sent the message. The key must stay stable across
// reconnects (a slot's resume token, not a connection id) since unsend is
// checked against it.
func (m *Message) SetAuthor(key string) { m.author = key }

// React adds or removes one reaction by reactor. It reports whether the
// reaction map changed; repeating the same reaction is a no-op.
func (m *Message) React(emoji, reactor string, remove bool) bool {
	key := emoji + "\x00" + reactor
	_, had := m.reacted[key]

	if remove {
		if !had {
			return false
		}
		delete(m.reacted, key)
		m.Reactions[emoji]--
		if m.Reactions[emoji] <= 0 {
			delete(m.Reactions, emoji)
		}
		return true
	}

	if had {
		return false
	}
	if m.reacted == nil {
		m.reacted = make(map[string]struct{})
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]int)
	}
	m.reacted[key] = struct{}{}
	m.Reactions[emoji]++
	return true
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	c := m
	if m.Images != nil {
		c.Images = append([]string(nil), m.Images...)
	}
	if m.Audio != nil {
		a := *m.Audio
		c.Audio = &a
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	c.reacted = nil
	return c
}

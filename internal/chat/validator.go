package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxImages       = 4
	MaxRefBytes     = 2048 // image/audio/gif/sticker reference length
	MaxAudioMs      = 5 * 60 * 1000
	MaxSnippetChars = 140
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	return validateText(text)
}

func validateText(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

func validateRef(field, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%s reference is empty", field)
	}
	if len(ref) > MaxRefBytes {
		return fmt.Errorf("%s reference exceeds %d byte limit", field, MaxRefBytes)
	}
	return nil
}

// ValidatePayload checks msg against the rules of its payload kind. Media
// payloads may carry an optional text caption. A reply snippet longer than
// MaxSnippetChars is truncated rather than rejected.
func ValidatePayload(msg *Message) error {
	switch msg.Kind {
	case KindText:
		if err := ValidateMessage(msg.Text); err != nil {
			return err
		}
	case KindImage:
		if len(msg.Images) == 0 {
			return fmt.Errorf("image message has no images")
		}
		if len(msg.Images) > MaxImages {
			return fmt.Errorf("image message exceeds %d images", MaxImages)
		}
		for _, ref := range msg.Images {
			if err := validateRef("image", ref); err != nil {
				return err
			}
		}
	case KindAudio:
		if msg.Audio == nil {
			return fmt.Errorf("audio message has no clip")
		}
		if err := validateRef("audio", msg.Audio.URL); err != nil {
			return err
		}
		if msg.Audio.DurationMs <= 0 || msg.Audio.DurationMs > MaxAudioMs {
			return fmt.Errorf("audio duration %dms out of range", msg.Audio.DurationMs)
		}
	case KindGIF:
		if err := validateRef("gif", msg.GIF); err != nil {
			return err
		}
	case KindSticker:
		if err := validateRef("sticker", msg.Sticker); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}

	if msg.Kind != KindText && msg.Text != "" {
		if err := validateText(msg.Text); err != nil {
			return err
		}
	}

	if msg.ReplyTo != nil {
		if msg.ReplyTo.ID == "" {
			return fmt.Errorf("reply reference has no message id")
		}
		if utf8.RuneCountInString(msg.ReplyTo.Snippet) > MaxSnippetChars {
			msg.ReplyTo.Snippet = string([]rune(msg.ReplyTo.Snippet)[:MaxSnippetChars])
		}
	}
	return nil
}

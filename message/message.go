// Package message defines the recorded Message model, the inbound Event
// delivered by the chat transport, and the pure Fork that splits one recorded
// sequence into the two per-target views used at publish time.
package message

import (
	"strings"
	"time"
)

// Type tags the rendered shape of a recorded message.
type Type string

const (
	TypeText     Type = "text"
	TypePhoto    Type = "photo"
	TypeDocument Type = "document"
	TypeVideo    Type = "video"
	TypeVoice    Type = "voice"
)

// Placeholders written in place of media that could not be processed.
const (
	PlaceholderSticker     = "[sticker processing failed]"
	PlaceholderImage       = "[image processing failed]"
	PlaceholderUnsupported = "[unsupported message]"
	PlaceholderMedia       = "[media unavailable]"
)

// Message is one recorded chat message. It holds no pointers or slices, so a
// plain assignment is a deep copy.
type Message struct {
	Time time.Time
	Type Type

	// Content is the text literal for text messages and a URL valid for the
	// CMS target for every media type.
	Content string
	// TelegraphURL is a paste-host URL for photos; empty means Content is used.
	TelegraphURL string
	Caption      string
	Filename     string

	// IsFirst is only set on the first animated sticker of a session.
	// CoverPath is the hosted URL of its still cover frame, empty when the
	// frame could not be hosted.
	IsFirst   bool
	CoverPath string

	ForwardFrom string
	ForwardDate time.Time
}

// Forwarded reports whether the message carries forward provenance.
func (m Message) Forwarded() bool { return m.ForwardFrom != "" }

// IsMedia reports whether Content must be an address rather than a literal.
func (m Message) IsMedia() bool { return m.Type != TypeText }

// Degrade turns m into a text placeholder, dropping every media field.
func (m Message) Degrade(placeholder string) Message {
	return Message{
		Time:        m.Time,
		Type:        TypeText,
		Content:     placeholder,
		ForwardFrom: m.ForwardFrom,
		ForwardDate: m.ForwardDate,
	}
}

// IsRemote reports whether s is an http(s) URL.
func IsRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Views is the pair of independently owned sequences produced by Fork.
type Views struct {
	CMS   []Message
	Paste []Message
}

// HasCredential reports whether s is a bot file-download URL, which embeds
// the bot token in its path.
func HasCredential(s string) bool {
	return IsRemote(s) && strings.Contains(s, "/file/bot")
}

// withheld is the paste-view text for media only reachable through a
// credentialed URL.
func withheld(m Message) string {
	s := "[" + string(m.Type)
	if m.Filename != "" {
		s += ": " + m.Filename
	}
	s += "]"
	if m.Caption != "" {
		s += " " + m.Caption
	}
	return s
}

// Fork copies msgs into a cms view and a paste view. In the paste view every
// photo with a TelegraphURL has its Content replaced by that URL, so the paste
// host never references a CMS-only address. Paste-view media still addressed
// by a bot file URL becomes text, since paste pages are public. The input is
// not modified.
func Fork(msgs []Message) Views {
	v := Views{
		CMS:   make([]Message, len(msgs)),
		Paste: make([]Message, len(msgs)),
	}
	copy(v.CMS, msgs)
	copy(v.Paste, msgs)
	for i, m := range v.Paste {
		if m.Type == TypePhoto && m.TelegraphURL != "" {
			m.Content = m.TelegraphURL
		}
		if m.IsMedia() && HasCredential(m.Content) {
			m = m.Degrade(withheld(m))
		}
		v.Paste[i] = m
	}
	return v
}

// Sanitize degrades every media message whose Content is not a remote URL and
// returns how many were degraded. It edits view in place.
func Sanitize(view []Message) int {
	n := 0
	for i, m := range view {
		if m.IsMedia() && !IsRemote(m.Content) {
			view[i] = m.Degrade(PlaceholderMedia)
			n++
		}
	}
	return n
}

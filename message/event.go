package message

import "time"

// EventKind distinguishes session control signals from recorded content.
type EventKind int

const (
	EventMessage EventKind = iota
	EventStart
	EventEnd
	EventCommand
)

// MediaKind is the transport-level kind of an inbound message.
type MediaKind string

const (
	MediaText        MediaKind = "text"
	MediaSticker     MediaKind = "sticker"
	MediaPhoto       MediaKind = "photo"
	MediaDocument    MediaKind = "document"
	MediaVideo       MediaKind = "video"
	MediaVoice       MediaKind = "voice"
	MediaUnsupported MediaKind = "unsupported"
)

// StickerFormat is the encoding of a sticker payload.
type StickerFormat int

const (
	StickerStatic StickerFormat = iota
	StickerVector
	StickerVideo
)

func (f StickerFormat) String() string {
	switch f {
	case StickerStatic:
		return "static"
	case StickerVector:
		return "vector"
	case StickerVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Sticker describes a sticker payload.
type Sticker struct {
	Format StickerFormat
	Emoji  string
}

// Forward carries the provenance of a forwarded message.
type Forward struct {
	From string
	Date time.Time
}

// Event is one typed event from the chat transport for a chat key.
type Event struct {
	Kind    EventKind
	ChatKey string
	Time    time.Time

	// Command is the bare command name for EventCommand (without the slash).
	Command string

	Media    MediaKind
	Text     string
	Caption  string
	FileID   string
	FileName string
	Sticker  Sticker
	Forward  *Forward
}

package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tgscribe/message"
)

// ToEvent converts an update into a recorder event. Updates without a
// message are skipped.
func ToEvent(u Update) (message.Event, bool) {
	m := u.Message
	if m == nil {
		return message.Event{}, false
	}
	ev := message.Event{
		ChatKey: strconv.FormatInt(m.Chat.ID, 10),
		Time:    time.Unix(m.Date, 0),
		Caption: m.Caption,
		Forward: forward(m),
	}
	if m.Date == 0 {
		ev.Time = time.Now()
	}

	if cmd, ok := command(m); ok {
		switch cmd {
		case "start":
			ev.Kind = message.EventStart
		case "end":
			ev.Kind = message.EventEnd
		default:
			ev.Kind = message.EventCommand
			ev.Command = cmd
		}
		return ev, true
	}

	ev.Kind = message.EventMessage
	switch {
	case m.Sticker != nil:
		ev.Media = message.MediaSticker
		ev.FileID = m.Sticker.FileID
		ev.Sticker = message.Sticker{Emoji: m.Sticker.Emoji, Format: message.StickerStatic}
		switch {
		case m.Sticker.IsAnimated:
			ev.Sticker.Format = message.StickerVector
		case m.Sticker.IsVideo:
			ev.Sticker.Format = message.StickerVideo
		}
	case len(m.Photo) > 0:
		ev.Media = message.MediaPhoto
		ev.FileID = largest(m.Photo).FileID
	case m.Document != nil:
		ev.Media = message.MediaDocument
		ev.FileID = m.Document.FileID
		ev.FileName = m.Document.FileName
	case m.Video != nil:
		ev.Media = message.MediaVideo
		ev.FileID = m.Video.FileID
	case m.Voice != nil:
		ev.Media = message.MediaVoice
		ev.FileID = m.Voice.FileID
	case m.Text != "":
		ev.Media = message.MediaText
		ev.Text = m.Text
	default:
		ev.Media = message.MediaUnsupported
	}
	return ev, true
}

// command returns the bot command a message starts with, without the slash
// and any @botname suffix.
func command(m *Message) (string, bool) {
	if !strings.HasPrefix(m.Text, "/") {
		return "", false
	}
	for _, e := range m.Entities {
		if e.Type == "bot_command" && e.Offset == 0 {
			return normalizeCommand(m.Text[:min(e.Length, len(m.Text))]), true
		}
	}
	if len(m.Entities) > 0 {
		return "", false
	}
	word, _, _ := strings.Cut(m.Text, " ")
	return normalizeCommand(word), true
}

func normalizeCommand(s string) string {
	s = strings.TrimPrefix(s, "/")
	s, _, _ = strings.Cut(s, "@")
	return strings.ToLower(s)
}

func largest(sizes []PhotoSize) PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height || (s.Width*s.Height == best.Width*best.Height && s.FileSize > best.FileSize) {
			best = s
		}
	}
	return best
}

func forward(m *Message) *message.Forward {
	if o := m.ForwardOrigin; o != nil {
		f := &message.Forward{Date: time.Unix(o.Date, 0)}
		switch {
		case o.SenderUser != nil:
			f.From = o.SenderUser.DisplayName()
		case o.SenderUserName != "":
			f.From = o.SenderUserName
		case o.Chat != nil:
			f.From = o.Chat.Title
		case o.SenderChat != nil:
			f.From = o.SenderChat.Title
		}
		if f.From == "" {
			f.From = "unknown"
		}
		return f
	}
	if m.ForwardDate == 0 {
		return nil
	}
	f := &message.Forward{Date: time.Unix(m.ForwardDate, 0)}
	switch {
	case m.ForwardFrom != nil:
		f.From = m.ForwardFrom.DisplayName()
	case m.ForwardFromChat != nil:
		f.From = m.ForwardFromChat.Title
	case m.ForwardSenderName != "":
		f.From = m.ForwardSenderName
	default:
		f.From = "unknown"
	}
	return f
}

package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() []Message {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []Message{
		{Time: now, Type: TypeText, Content: "hi"},
		{Time: now, Type: TypePhoto, Content: "https://api.telegram.org/file/botX/photo.jpg", TelegraphURL: "https://telegra.ph/file/a.jpg"},
		{Time: now, Type: TypePhoto, Content: "https://cdn.example.com/other.jpg"},
	}
}

func TestForkSubstitutesTelegraphURLInPasteView(t *testing.T) {
	v := Fork(sample())

	require.Len(t, v.Paste, 3)
	assert.Equal(t, "https://telegra.ph/file/a.jpg", v.Paste[1].Content)
	assert.Equal(t, "https://cdn.example.com/other.jpg", v.Paste[2].Content, "no telegraph url keeps content")
	assert.Equal(t, "https://api.telegram.org/file/botX/photo.jpg", v.CMS[1].Content)
}

func TestForkWithholdsBotFileURLsFromPasteView(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := []Message{
		{Time: now, Type: TypeDocument, Content: "https://api.telegram.org/file/botX/documents/a.pdf", Filename: "a.pdf", Caption: "minutes"},
		{Time: now, Type: TypeVoice, Content: "https://api.telegram.org/file/botX/voice/v.oga", ForwardFrom: "bob"},
		{Time: now, Type: TypePhoto, Content: "https://api.telegram.org/file/botX/photos/p.jpg"},
		{Time: now, Type: TypeVideo, Content: "https://cdn.example.com/v.mp4"},
		{Time: now, Type: TypeText, Content: "see https://api.telegram.org/file/botX/x"},
	}
	v := Fork(in)

	assert.Equal(t, Message{Time: now, Type: TypeText, Content: "[document: a.pdf] minutes"}, v.Paste[0])
	assert.Equal(t, TypeText, v.Paste[1].Type)
	assert.Equal(t, "[voice]", v.Paste[1].Content)
	assert.Equal(t, "bob", v.Paste[1].ForwardFrom)
	assert.Equal(t, "[photo]", v.Paste[2].Content)
	assert.Equal(t, in[3], v.Paste[3])
	assert.Equal(t, in[4], v.Paste[4], "text literals are left alone")
	assert.Equal(t, in, v.CMS)
	for _, m := range v.Paste {
		if m.IsMedia() {
			assert.False(t, HasCredential(m.Content), m.Content)
		}
	}
}

func TestForkViewsAreIndependent(t *testing.T) {
	in := sample()
	v := Fork(in)

	v.Paste[0].Content = "changed"
	v.Paste[1].Content = "changed"
	v.CMS[2].Type = TypeText

	assert.Equal(t, "hi", v.CMS[0].Content)
	assert.Equal(t, "https://api.telegram.org/file/botX/photo.jpg", v.CMS[1].Content)
	assert.Equal(t, TypePhoto, v.Paste[2].Type)
	assert.Equal(t, sample(), in, "input must not be modified")
}

func TestDegradeKeepsProvenance(t *testing.T) {
	fwd := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Message{Type: TypePhoto, Content: "x", Caption: "c", IsFirst: true, ForwardFrom: "alice", ForwardDate: fwd}

	d := m.Degrade(PlaceholderImage)

	assert.Equal(t, TypeText, d.Type)
	assert.Equal(t, PlaceholderImage, d.Content)
	assert.Empty(t, d.Caption)
	assert.False(t, d.IsFirst)
	assert.Equal(t, "alice", d.ForwardFrom)
	assert.Equal(t, fwd, d.ForwardDate)
}

func TestSanitizeDegradesLocalPaths(t *testing.T) {
	view := []Message{
		{Type: TypeText, Content: "/not/a/url but text"},
		{Type: TypePhoto, Content: "/tmp/media/sticker.gif"},
		{Type: TypeDocument, Content: "https://example.com/a.pdf"},
	}

	n := Sanitize(view)

	assert.Equal(t, 1, n)
	assert.Equal(t, TypeText, view[1].Type)
	assert.Equal(t, PlaceholderMedia, view[1].Content)
	assert.Equal(t, TypeDocument, view[2].Type)
}

func TestStickerFormatString(t *testing.T) {
	assert.Equal(t, "static", StickerStatic.String())
	assert.Equal(t, "vector", StickerVector.String())
	assert.Equal(t, "video", StickerVideo.String())
	assert.Equal(t, "unknown", StickerFormat(42).String())
}

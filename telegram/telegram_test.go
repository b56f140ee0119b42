package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/retry"
)

func decode(t *testing.T, s string) Update {
	t.Helper()
	var u Update
	require.NoError(t, json.Unmarshal([]byte(s), &u))
	return u
}

func TestToEvent(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, ev message.Event)
	}{
		{"start command", `{"update_id":1,"message":{"chat":{"id":42},"date":1700000000,"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.EventStart, ev.Kind)
				assert.Equal(t, "42", ev.ChatKey)
				assert.Equal(t, int64(1700000000), ev.Time.Unix())
			}},
		{"end with bot name", `{"update_id":1,"message":{"chat":{"id":-100},"text":"/end@scribe_bot","entities":[{"type":"bot_command","offset":0,"length":15}]}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.EventEnd, ev.Kind)
				assert.Equal(t, "-100", ev.ChatKey)
			}},
		{"unknown command", `{"update_id":1,"message":{"chat":{"id":1},"text":"/help me"}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.EventCommand, ev.Kind)
				assert.Equal(t, "help", ev.Command)
			}},
		{"text", `{"update_id":1,"message":{"chat":{"id":1},"text":"hi"}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.EventMessage, ev.Kind)
				assert.Equal(t, message.MediaText, ev.Media)
				assert.Equal(t, "hi", ev.Text)
			}},
		{"largest photo", `{"update_id":1,"message":{"chat":{"id":1},"caption":"c","photo":[{"file_id":"s","width":90,"height":90},{"file_id":"l","width":1280,"height":1280},{"file_id":"m","width":320,"height":320}]}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.MediaPhoto, ev.Media)
				assert.Equal(t, "l", ev.FileID)
				assert.Equal(t, "c", ev.Caption)
			}},
		{"vector sticker", `{"update_id":1,"message":{"chat":{"id":1},"sticker":{"file_id":"st","emoji":"😀","is_animated":true}}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.MediaSticker, ev.Media)
				assert.Equal(t, message.StickerVector, ev.Sticker.Format)
				assert.Equal(t, "😀", ev.Sticker.Emoji)
			}},
		{"video sticker", `{"update_id":1,"message":{"chat":{"id":1},"sticker":{"file_id":"st","is_video":true}}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.StickerVideo, ev.Sticker.Format)
			}},
		{"document", `{"update_id":1,"message":{"chat":{"id":1},"document":{"file_id":"d","file_name":"a.pdf"}}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.MediaDocument, ev.Media)
				assert.Equal(t, "a.pdf", ev.FileName)
			}},
		{"location unsupported", `{"update_id":1,"message":{"chat":{"id":1},"location":{"latitude":1,"longitude":2}}}`,
			func(t *testing.T, ev message.Event) {
				assert.Equal(t, message.MediaUnsupported, ev.Media)
			}},
		{"forward origin user", `{"update_id":1,"message":{"chat":{"id":1},"text":"fw","forward_origin":{"type":"user","date":1600000000,"sender_user":{"id":5,"first_name":"Ada","last_name":"L"}}}}`,
			func(t *testing.T, ev message.Event) {
				require.NotNil(t, ev.Forward)
				assert.Equal(t, "Ada L", ev.Forward.From)
				assert.Equal(t, int64(1600000000), ev.Forward.Date.Unix())
			}},
		{"legacy forward hidden", `{"update_id":1,"message":{"chat":{"id":1},"text":"fw","forward_sender_name":"Anon","forward_date":1600000000}}`,
			func(t *testing.T, ev message.Event) {
				require.NotNil(t, ev.Forward)
				assert.Equal(t, "Anon", ev.Forward.From)
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ToEvent(decode(t, tt.json))
			require.True(t, ok)
			tt.check(t, ev)
		})
	}

	_, ok := ToEvent(Update{UpdateID: 9})
	assert.False(t, ok)
}

func TestFileURL(t *testing.T) {
	c := New("TOKEN", "", nil, retry.DefaultPolicy())
	assert.Equal(t, "https://api.telegram.org/file/botTOKEN/stickers/a.webp", c.FileURL("stickers/a.webp"))
	assert.Equal(t, "https://cdn/x", c.FileURL("https://cdn/x"))
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/botT/getFile", func(w http.ResponseWriter, r *http.Request) {
		var p map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "fid", p["file_id"])
		_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"fid","file_path":"photos/p.jpg"}}`))
	})
	mux.HandleFunc("/file/botT/photos/p.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("T", srv.URL, srv.Client(), retry.Policy{Attempts: 1})
	dst := filepath.Join(t.TempDir(), "p.jpg")
	u, err := c.Download(context.Background(), "fid", dst)

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/file/botT/photos/p.jpg", u)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))
}

func TestAPIErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := New("T", srv.URL, srv.Client(), retry.DefaultPolicy())
	err := c.SendMessage(context.Background(), "1", "hi")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 400, ae.Code)
	assert.False(t, retry.IsTransient(err))
}

func TestPollerAdvancesOffset(t *testing.T) {
	var calls int32
	var offsets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		offsets = append(offsets, p["offset"].(float64))
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":10,"message":{"chat":{"id":1},"text":"a"}},{"update_id":11,"message":{"chat":{"id":1},"text":"b"}}]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	p := &Poller{
		Client:  New("T", srv.URL, srv.Client(), retry.DefaultPolicy()),
		Timeout: 1,
		Handle: func(_ context.Context, u Update) {
			got = append(got, u.Message.Text)
			if len(got) == 2 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
			}
		},
	}
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []string{"a", "b"}, got)
	require.GreaterOrEqual(t, len(offsets), 2)
	assert.Equal(t, 0.0, offsets[0])
	assert.Equal(t, 12.0, offsets[1])
}

package wechat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/onnwee/tgscribe/retry"
)

type fakeHost struct {
	mu          sync.Mutex
	tokenCalls  int32
	issued      []string
	expireFirst int // number of API calls to answer with 40001
	drafts      []map[string][]Draft
}

func (h *fakeHost) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&h.tokenCalls, 1)
		assert.Equal(t, "client_credential", r.URL.Query().Get("grant_type"))
		if r.URL.Query().Get("secret") != "s3cret" {
			_, _ = w.Write([]byte(`{"errcode":40125,"errmsg":"invalid appsecret"}`))
			return
		}
		tok := "tok" + string(rune('0'+n))
		h.mu.Lock()
		h.issued = append(h.issued, tok)
		h.mu.Unlock()
		_, _ = w.Write([]byte(`{"access_token":"` + tok + `","expires_in":7200}`))
	})
	expired := func(w http.ResponseWriter) bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.expireFirst > 0 {
			h.expireFirst--
			_, _ = w.Write([]byte(`{"errcode":40001,"errmsg":"invalid credential"}`))
			return true
		}
		return false
	}
	mux.HandleFunc("/cgi-bin/material/add_material", func(w http.ResponseWriter, r *http.Request) {
		if expired(w) {
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("media")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		kind := r.URL.Query().Get("type")
		_, _ = w.Write([]byte(`{"media_id":"` + kind + `-` + hdr.Filename + `-` + string(b) + `","url":"http://mmbiz.qpic.cn/` + hdr.Filename + `"}`))
	})
	mux.HandleFunc("/cgi-bin/draft/add", func(w http.ResponseWriter, r *http.Request) {
		if expired(w) {
			return
		}
		var body map[string][]Draft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		h.mu.Lock()
		h.drafts = append(h.drafts, body)
		h.mu.Unlock()
		_, _ = w.Write([]byte(`{"media_id":"draft-1"}`))
	})
	return mux
}

func newClient(t *testing.T, h *fakeHost) (*Client, *TokenSource) {
	t.Helper()
	srv := httptest.NewServer(h.handler(t))
	t.Cleanup(srv.Close)
	ts := &TokenSource{AppID: "wx1", Secret: "s3cret", APIURL: srv.URL, HTTP: srv.Client()}
	return New(srv.URL, ts, srv.Client()), ts
}

func TestTokenCached(t *testing.T) {
	h := &fakeHost{}
	_, ts := newClient(t, h)

	a, err := ts.Token()
	require.NoError(t, err)
	b, err := ts.Token()
	require.NoError(t, err)

	assert.Equal(t, a.AccessToken, b.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.tokenCalls))
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), a.Expiry, time.Minute)
}

func TestTokenBadSecret(t *testing.T) {
	h := &fakeHost{}
	srv := httptest.NewServer(h.handler(t))
	defer srv.Close()
	ts := &TokenSource{AppID: "wx1", Secret: "wrong", APIURL: srv.URL, HTTP: srv.Client()}

	_, err := ts.Token()
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 40125, ae.Code)
}

func TestTokenEndpointRejectionNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"errcode":40001,"errmsg":"invalid credential"}`))
	}))
	defer srv.Close()
	ts := &TokenSource{AppID: "wx1", Secret: "s3cret", APIURL: srv.URL, HTTP: srv.Client()}

	_, err := retry.Do(context.Background(), retry.Policy{Attempts: 3}, func(ctx context.Context) (*oauth2.Token, error) {
		return ts.TokenContext(ctx)
	})

	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
	assert.NotErrorIs(t, err, ErrTokenExpired)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 40001, ae.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestUploadMediaImageAndThumb(t *testing.T) {
	h := &fakeHost{}
	c, _ := newClient(t, h)

	url, err := ImageDestination{Client: c}.Put(context.Background(), strings.NewReader("px"), "a.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://mmbiz.qpic.cn/a.jpg", url)

	id, err := ThumbDestination{Client: c}.Put(context.Background(), strings.NewReader("th"), "c.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "thumb-c.jpg-th", id)
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	h := &fakeHost{expireFirst: 1}
	c, _ := newClient(t, h)

	m, err := c.UploadMedia(context.Background(), strings.NewReader("px"), "a.png", "image/png", KindImage)
	require.NoError(t, err)
	assert.Equal(t, "image-a.png-px", m.ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.tokenCalls))
}

func TestExpiredTwiceSurfaces(t *testing.T) {
	h := &fakeHost{expireFirst: 2}
	c, _ := newClient(t, h)

	_, err := c.CreateDraft(context.Background(), Draft{Title: "t", ThumbMediaID: "m"})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.False(t, retry.IsTransient(err))
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.tokenCalls))
}

func TestStaticTokenNotRefreshed(t *testing.T) {
	h := &fakeHost{expireFirst: 1}
	srv := httptest.NewServer(h.handler(t))
	defer srv.Close()
	c := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "legacy"}), srv.Client())

	_, err := c.CreateDraft(context.Background(), Draft{Title: "t"})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.EqualValues(t, 0, atomic.LoadInt32(&h.tokenCalls))
}

func TestCreateDraftKeepsHTML(t *testing.T) {
	h := &fakeHost{}
	c, _ := newClient(t, h)

	id, err := c.CreateDraft(context.Background(), Draft{Title: "Message Log", Author: "Bot", Digest: "Message Log", Content: `<p>a & b</p><img src="x">`, ThumbMediaID: "thumb-1"})
	require.NoError(t, err)
	assert.Equal(t, "draft-1", id)
	require.Len(t, h.drafts, 1)
	got := h.drafts[0]["articles"][0]
	assert.Equal(t, `<p>a & b</p><img src="x">`, got.Content)
	assert.Equal(t, "thumb-1", got.ThumbMediaID)
}

func TestAPIErrorClasses(t *testing.T) {
	assert.ErrorIs(t, apiStatus{ErrCode: 42001}.err("x"), ErrTokenExpired)
	assert.ErrorIs(t, apiStatus{ErrCode: 40014}.err("x"), ErrTokenExpired)
	assert.True(t, retry.IsTransient(apiStatus{ErrCode: -1, ErrMsg: "system error"}.err("x")))
	assert.False(t, retry.IsTransient(apiStatus{ErrCode: 40007, ErrMsg: "invalid media_id"}.err("x")))
	assert.NoError(t, apiStatus{}.err("x"))
}

type memStore struct {
	access string
	exp    time.Time
	saved  int
}

func (m *memStore) LoadToken(context.Context, string) (string, time.Time, error) {
	return m.access, m.exp, nil
}

func (m *memStore) SaveToken(_ context.Context, _ string, access string, exp time.Time) error {
	m.access, m.exp = access, exp
	m.saved++
	return nil
}

func TestPersistedTokenReused(t *testing.T) {
	h := &fakeHost{}
	_, ts := newClient(t, h)
	ts.Store = &memStore{access: "persisted", exp: time.Now().Add(time.Hour)}

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt32(&h.tokenCalls))
}

func TestFetchedTokenPersisted(t *testing.T) {
	h := &fakeHost{}
	_, ts := newClient(t, h)
	st := &memStore{access: "old", exp: time.Now().Add(-time.Minute)}
	ts.Store = st

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok.AccessToken)
	assert.Equal(t, 1, st.saved)
	assert.Equal(t, "tok1", st.access)
}

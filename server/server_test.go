package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/tgscribe/db"
	"github.com/onnwee/tgscribe/session"
)

type fakeSessions []session.Info

func (f fakeSessions) Keys() []session.Info { return f }

type fakePublishes struct {
	recs     []db.PublishRecord
	err      error
	gotChat  string
	gotLimit int
}

func (f *fakePublishes) Recent(_ context.Context, chat string, limit int) ([]db.PublishRecord, error) {
	f.gotChat, f.gotLimit = chat, limit
	return f.recs, f.err
}

func serve(t *testing.T, h *Handlers, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rr := httptest.NewRecorder()
	NewMux(ctx, h).ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	rr := serve(t, &Handlers{Sessions: fakeSessions{}}, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := serve(t, &Handlers{Sessions: fakeSessions{}}, req)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Correlation-ID"))
}

func TestReadyz(t *testing.T) {
	h := &Handlers{Sessions: fakeSessions{}, Checks: []Check{
		{Name: "media_dir", Fn: func(context.Context) error { return nil }},
	}}
	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	h.Checks = append(h.Checks, Check{Name: "database", Fn: func(context.Context) error { return errors.New("conn refused") }})
	rr = serve(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "database", body["failed_check"])
}

func TestSessions(t *testing.T) {
	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := &Handlers{Sessions: fakeSessions{{Key: "42", Count: 3, HasCover: true, Started: started}}}
	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "42", body.Sessions[0].Key)
	assert.True(t, body.Sessions[0].HasCover)

	rr = serve(t, h, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSessionsRequireAuthWhenConfigured(t *testing.T) {
	h := &Handlers{Sessions: fakeSessions{}}
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux := NewMux(ctx, h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// health stays public
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPublishes(t *testing.T) {
	pubs := &fakePublishes{recs: []db.PublishRecord{{ID: "p1", ChatKey: "42", State: "done"}}}
	h := &Handlers{Sessions: fakeSessions{}, Publishes: pubs}

	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/publishes?chat=42&limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "42", pubs.gotChat)
	assert.Equal(t, 5, pubs.gotLimit)
	var recs []db.PublishRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	assert.Equal(t, "p1", recs[0].ID)

	pubs.recs, pubs.err = nil, errors.New("boom")
	rr = serve(t, h, httptest.NewRequest(http.MethodGet, "/publishes", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 50, pubs.gotLimit)
}

func TestPublishesWithoutDatabase(t *testing.T) {
	rr := serve(t, &Handlers{Sessions: fakeSessions{}}, httptest.NewRequest(http.MethodGet, "/publishes", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestPublishesEmptyIsArray(t *testing.T) {
	rr := serve(t, &Handlers{Sessions: fakeSessions{}, Publishes: &fakePublishes{}}, httptest.NewRequest(http.MethodGet, "/publishes", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(t, &Handlers{Sessions: fakeSessions{}}, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, &Handlers{Sessions: fakeSessions{}}, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

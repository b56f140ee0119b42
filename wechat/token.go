package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/tgscribe/retry"
)

// Provider is the oauth_tokens key for the persisted access token.
const Provider = "wechat"

// refreshBuffer is how long before expiry a cached token stops being used.
const refreshBuffer = 60 * time.Second

// TokenStore persists the access token between restarts.
type TokenStore interface {
	LoadToken(ctx context.Context, provider string) (string, time.Time, error)
	SaveToken(ctx context.Context, provider, access string, expiry time.Time) error
}

// TokenSource fetches and caches a client-credential access token. It
// implements oauth2.TokenSource.
type TokenSource struct {
	AppID  string
	Secret string
	APIURL string
	HTTP   *http.Client
	Store  TokenStore

	mu     sync.RWMutex
	tok    *oauth2.Token
	loaded bool
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

// Token implements oauth2.TokenSource.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return ts.TokenContext(ctx)
}

func fresh(t *oauth2.Token) bool {
	return t != nil && t.AccessToken != "" && time.Until(t.Expiry) > refreshBuffer
}

// TokenContext returns a cached token or fetches a new one.
func (ts *TokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	ts.mu.RLock()
	if fresh(ts.tok) {
		t := ts.tok
		ts.mu.RUnlock()
		return t, nil
	}
	ts.mu.RUnlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if fresh(ts.tok) {
		return ts.tok, nil
	}
	if !ts.loaded && ts.Store != nil {
		ts.loaded = true
		access, exp, err := ts.Store.LoadToken(ctx, Provider)
		if err != nil {
			slog.Warn("load persisted wechat token failed", slog.String("component", "wechat"), slog.Any("err", err))
		} else if t := (&oauth2.Token{AccessToken: access, Expiry: exp}); fresh(t) {
			ts.tok = t
			return t, nil
		}
	}
	t, err := ts.fetch(ctx)
	if err != nil {
		return nil, err
	}
	ts.tok = t
	if ts.Store != nil {
		if err := ts.Store.SaveToken(ctx, Provider, t.AccessToken, t.Expiry); err != nil {
			slog.Warn("persist wechat token failed", slog.String("component", "wechat"), slog.Any("err", err))
		}
	}
	return t, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.loaded = true
	ts.mu.Unlock()
}

// Refresh fetches a new token unconditionally and caches it. The caller is
// responsible for persisting the result.
func (ts *TokenSource) Refresh(ctx context.Context) (string, time.Time, error) {
	t, err := ts.fetch(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	ts.mu.Lock()
	ts.tok = t
	ts.mu.Unlock()
	return t.AccessToken, t.Expiry, nil
}

func (ts *TokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	if ts.AppID == "" || ts.Secret == "" {
		return nil, retry.Permanent(errors.New("missing wechat appid/secret"))
	}
	base := ts.APIURL
	if base == "" {
		base = DefaultAPIURL
	}
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", ts.AppID)
	q.Set("secret", ts.Secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	hc := ts.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wechat token: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("wechat token: %w", &retry.StatusError{Code: resp.StatusCode, Body: string(b)})
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		apiStatus
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return nil, fmt.Errorf("wechat token: decode: %w", err)
	}
	if at.ErrCode != 0 {
		// on this endpoint 40001 means a bad secret, not an expired token
		apiErr := &APIError{Op: "token", Code: at.ErrCode, Message: at.ErrMsg}
		if at.ErrCode == -1 {
			return nil, retry.Transient(apiErr)
		}
		return nil, retry.Permanent(apiErr)
	}
	if at.AccessToken == "" {
		return nil, errors.New("empty access_token in wechat response")
	}
	slog.Info("wechat access token fetched", slog.String("component", "wechat"), slog.Int("expires_in", at.ExpiresIn))
	return &oauth2.Token{
		AccessToken: at.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(at.ExpiresIn) * time.Second),
	}, nil
}

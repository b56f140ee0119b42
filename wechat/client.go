// Package wechat is a client for the Official Account material and draft APIs.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/tgscribe/retry"
)

// DefaultAPIURL is the public API host.
const DefaultAPIURL = "https://api.weixin.qq.com"

// ErrTokenExpired is returned when the host rejects the access token.
var ErrTokenExpired = errors.New("wechat access token expired or invalid")

// APIError is a non-zero errcode reply.
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat %s: errcode %d: %s", e.Op, e.Code, e.Message)
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s apiStatus) err(op string) error {
	switch s.ErrCode {
	case 0:
		return nil
	case 40001, 40014, 42001:
		return fmt.Errorf("%w: %w", ErrTokenExpired, &APIError{Op: op, Code: s.ErrCode, Message: s.ErrMsg})
	case -1:
		return retry.Transient(&APIError{Op: op, Code: s.ErrCode, Message: s.ErrMsg})
	default:
		return retry.Permanent(&APIError{Op: op, Code: s.ErrCode, Message: s.ErrMsg})
	}
}

// MediaKind is the material type of an upload.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindThumb MediaKind = "thumb"
)

// Media is an uploaded permanent material.
type Media struct {
	ID  string `json:"media_id"`
	URL string `json:"url"`
}

// Draft is one article submitted to the draft box.
type Draft struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	Digest       string `json:"digest"`
	Content      string `json:"content"`
	ThumbMediaID string `json:"thumb_media_id"`
}

// Client calls the CMS API with a token from Tokens.
type Client struct {
	APIURL string
	HTTP   *http.Client
	Tokens oauth2.TokenSource
}

// New returns a client. tokens is usually a *TokenSource, or an
// oauth2.StaticTokenSource for a pre-issued token.
func New(apiURL string, tokens oauth2.TokenSource, hc *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{APIURL: strings.TrimRight(apiURL, "/"), HTTP: hc, Tokens: tokens}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	var (
		t   *oauth2.Token
		err error
	)
	if ts, ok := c.Tokens.(*TokenSource); ok {
		t, err = ts.TokenContext(ctx)
	} else {
		t, err = c.Tokens.Token()
	}
	if err != nil {
		return "", fmt.Errorf("wechat token: %w", err)
	}
	return t.AccessToken, nil
}

// authorized runs call with a token. On ErrTokenExpired the cached token is
// dropped and call is retried once with a new one.
func (c *Client) authorized(ctx context.Context, call func(token string) error) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = call(tok)
	if !errors.Is(err, ErrTokenExpired) {
		return err
	}
	inv, ok := c.Tokens.(interface{ Invalidate() })
	if !ok {
		return retry.Permanent(err)
	}
	slog.Info("wechat token rejected, refreshing", slog.String("component", "wechat"))
	inv.Invalidate()
	if tok, err = c.accessToken(ctx); err != nil {
		return err
	}
	if err := call(tok); err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

func (c *Client) endpoint(path, token string, extra url.Values) string {
	q := url.Values{"access_token": {token}}
	for k, v := range extra {
		q[k] = v
	}
	return c.APIURL + path + "?" + q.Encode()
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("wechat %s: %w", op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wechat %s: %w", op, &retry.StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	var st apiStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return retry.Permanent(fmt.Errorf("wechat %s: decode: %w", op, err))
	}
	if err := st.err(op); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("wechat %s: decode: %w", op, err))
	}
	return nil
}

// UploadMedia uploads a permanent material read from r.
func (c *Client) UploadMedia(ctx context.Context, r io.Reader, filename, contentType string, kind MediaKind) (Media, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return Media{}, retry.Permanent(fmt.Errorf("read media: %w", err))
	}
	var m Media
	err = c.authorized(ctx, func(token string) error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return retry.Permanent(err)
		}
		if _, err := part.Write(payload); err != nil {
			return retry.Permanent(err)
		}
		if err := mw.Close(); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cgi-bin/material/add_material", token, url.Values{"type": {string(kind)}}), &buf)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.do(req, "add_material", &m)
	})
	if err != nil {
		return Media{}, err
	}
	if m.ID == "" {
		return Media{}, retry.Transient(errors.New("wechat add_material: empty media_id"))
	}
	return m, nil
}

// UploadFile uploads the file at path as a permanent material.
func (c *Client) UploadFile(ctx context.Context, path string, kind MediaKind) (Media, error) {
	f, err := os.Open(path)
	if err != nil {
		return Media{}, retry.Permanent(err)
	}
	defer f.Close()
	return c.UploadMedia(ctx, f, filepath.Base(path), contentType(path), kind)
}

// CreateDraft adds d to the draft box and returns the draft media id.
func (c *Client) CreateDraft(ctx context.Context, d Draft) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Article HTML must reach the host unescaped.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string][]Draft{"articles": {d}}); err != nil {
		return "", retry.Permanent(err)
	}
	body := buf.Bytes()
	var out struct {
		MediaID string `json:"media_id"`
	}
	err := c.authorized(ctx, func(token string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cgi-bin/draft/add", token, nil), bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return c.do(req, "draft/add", &out)
	})
	if err != nil {
		return "", err
	}
	if out.MediaID == "" {
		return "", retry.Permanent(errors.New("wechat draft/add: empty media_id"))
	}
	return out.MediaID, nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif":
		return "image/gif"
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// ImageDestination uploads article images and yields their hosted URL.
type ImageDestination struct{ Client *Client }

func (d ImageDestination) Name() string { return "wechat-image" }

func (d ImageDestination) Put(ctx context.Context, r io.Reader, filename, ct string) (string, error) {
	m, err := d.Client.UploadMedia(ctx, r, filename, ct, KindImage)
	if err != nil {
		return "", err
	}
	return m.URL, nil
}

// ThumbDestination uploads a cover thumbnail and yields its media id.
type ThumbDestination struct{ Client *Client }

func (d ThumbDestination) Name() string { return "wechat-thumb" }

func (d ThumbDestination) Put(ctx context.Context, r io.Reader, filename, ct string) (string, error) {
	m, err := d.Client.UploadMedia(ctx, r, filename, ct, KindThumb)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

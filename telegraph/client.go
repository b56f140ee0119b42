// Package telegraph is a small client for the Telegraph publishing API and
// its anonymous file upload endpoint.
package telegraph

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
	"strings"
	"sync"

	"github.com/onnwee/tgscribe/retry"
)

const (
	DefaultAPIURL    = "https://api.telegra.ph"
	DefaultUploadURL = "https://telegra.ph/upload"
)

// ErrNoToken is returned when a page is created before an account exists.
var ErrNoToken = errors.New("telegraph: no access token")

// Client talks to Telegraph. The zero value is not usable; use New.
type Client struct {
	APIURL    string
	UploadURL string
	HTTP      *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client. An empty token must be filled by CreateAccount before CreatePage.
func New(apiURL, uploadURL, token string, hc *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{APIURL: strings.TrimRight(apiURL, "/"), UploadURL: uploadURL, HTTP: hc, token: token}
}

// Token returns the access token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Account is a Telegraph account.
type Account struct {
	ShortName   string `json:"short_name"`
	AuthorName  string `json:"author_name"`
	AccessToken string `json:"access_token"`
	AuthURL     string `json:"auth_url"`
}

// Page is a created Telegraph page.
type Page struct {
	Path  string `json:"path"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// APIError is an ok=false reply.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string { return fmt.Sprintf("telegraph %s: %s", e.Method, e.Code) }

func classifyAPI(err *APIError) error {
	if strings.HasPrefix(err.Code, "FLOOD_WAIT") {
		return retry.Transient(err)
	}
	return retry.Permanent(err)
}

func (c *Client) call(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("telegraph %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegraph %s: %w", method, &retry.StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return retry.Permanent(fmt.Errorf("telegraph %s: decode: %w", method, err))
	}
	if !ar.OK {
		return classifyAPI(&APIError{Method: method, Code: ar.Error})
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return retry.Permanent(fmt.Errorf("telegraph %s: decode result: %w", method, err))
		}
	}
	return nil
}

// CreateAccount registers an account and adopts its token.
func (c *Client) CreateAccount(ctx context.Context, shortName, authorName string) (Account, error) {
	form := url.Values{"short_name": {shortName}}
	if authorName != "" {
		form.Set("author_name", authorName)
	}
	var acc Account
	if err := c.call(ctx, "createAccount", form, &acc); err != nil {
		return Account{}, err
	}
	if acc.AccessToken == "" {
		return Account{}, retry.Permanent(errors.New("telegraph createAccount: empty access token"))
	}
	c.mu.Lock()
	c.token = acc.AccessToken
	c.mu.Unlock()
	slog.Info("telegraph account created", slog.String("component", "telegraph"), slog.String("short_name", acc.ShortName))
	return acc, nil
}

// CreatePage publishes htmlContent under title and returns the page.
func (c *Client) CreatePage(ctx context.Context, title, authorName, htmlContent string) (Page, error) {
	tok := c.Token()
	if tok == "" {
		return Page{}, retry.Permanent(ErrNoToken)
	}
	nodes, err := HTMLToNodes(StripWrappers(htmlContent))
	if err != nil {
		return Page{}, retry.Permanent(fmt.Errorf("telegraph content: %w", err))
	}
	content, err := json.Marshal(nodes)
	if err != nil {
		return Page{}, retry.Permanent(err)
	}
	form := url.Values{
		"access_token": {tok},
		"title":        {title},
		"content":      {string(content)},
	}
	if authorName != "" {
		form.Set("author_name", authorName)
	}
	var p Page
	if err := c.call(ctx, "createPage", form, &p); err != nil {
		return Page{}, err
	}
	if p.URL == "" && p.Path != "" {
		p.URL = "https://telegra.ph/" + p.Path
	}
	return p, nil
}

// Name implements upload.Destination.
func (c *Client) Name() string { return "telegraph" }

type uploadItem struct {
	Src string `json:"src"`
}

type uploadError struct {
	Error string `json:"error"`
}

// Put uploads a file and returns its absolute URL. It implements upload.Destination.
func (c *Client) Put(ctx context.Context, r io.Reader, filename, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", retry.Permanent(err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", retry.Permanent(fmt.Errorf("read blob: %w", err))
	}
	if err := mw.Close(); err != nil {
		return "", retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.UploadURL, &buf)
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegraph upload: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 500 {
		return "", retry.Transient(&retry.StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	var items []uploadItem
	if err := json.Unmarshal(body, &items); err == nil && len(items) > 0 && items[0].Src != "" {
		return c.absolute(items[0].Src), nil
	}
	var ue uploadError
	if err := json.Unmarshal(body, &ue); err == nil && ue.Error != "" {
		return "", retry.Permanent(fmt.Errorf("telegraph upload: %s", ue.Error))
	}
	if resp.StatusCode/100 != 2 {
		return "", &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return "", retry.Transient(fmt.Errorf("telegraph upload: unexpected reply %q", string(body)))
}

// absolute resolves an upload src like "/file/abc.jpg" against the upload host.
func (c *Client) absolute(src string) string {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	u, err := url.Parse(c.UploadURL)
	if err != nil {
		return "https://telegra.ph" + src
	}
	return u.Scheme + "://" + u.Host + src
}

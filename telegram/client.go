// Package telegram is a minimal Bot API client: long polling, file lookup and
// replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/tgscribe/retry"
	"github.com/onnwee/tgscribe/upload"
)

// DefaultAPIURL is the public Bot API host.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is an ok=false reply.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client calls the Bot API.
type Client struct {
	Token   string
	APIURL  string
	HTTP    *http.Client
	Fetcher *upload.Fetcher
}

// New returns a client. Long polls need an HTTP timeout above the poll timeout.
func New(token, apiURL string, hc *http.Client, policy retry.Policy) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		Token:   token,
		APIURL:  strings.TrimRight(apiURL, "/"),
		HTTP:    hc,
		Fetcher: &upload.Fetcher{HTTP: hc, Policy: policy},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/bot%s/%s", c.APIURL, c.Token, method), bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("telegram %s: %w", method, &retry.StatusError{Code: resp.StatusCode, Body: string(raw)})
		}
		return retry.Permanent(fmt.Errorf("telegram %s: decode: %w", method, err))
	}
	if !ar.OK {
		apiErr := &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description}
		if ar.ErrorCode == 429 || ar.ErrorCode >= 500 {
			return retry.Transient(apiErr)
		}
		return retry.Permanent(apiErr)
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return retry.Permanent(fmt.Errorf("telegram %s: decode result: %w", method, err))
		}
	}
	return nil
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var ups []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}, &ups)
	return ups, err
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return File{}, err
	}
	if f.FilePath == "" {
		return File{}, retry.Permanent(fmt.Errorf("telegram getFile %s: empty file_path", fileID))
	}
	return f, nil
}

// FileURL returns the download URL for a getFile path.
func (c *Client) FileURL(filePath string) string {
	if strings.HasPrefix(filePath, "http://") || strings.HasPrefix(filePath, "https://") {
		return filePath
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.APIURL, c.Token, strings.TrimLeft(filePath, "/"))
}

// ResolveURL returns the transport URL of fileID.
func (c *Client) ResolveURL(ctx context.Context, fileID string) (string, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return c.FileURL(f.FilePath), nil
}

// Download fetches fileID into dst and returns its transport URL.
func (c *Client) Download(ctx context.Context, fileID, dst string) (string, error) {
	u, err := c.ResolveURL(ctx, fileID)
	if err != nil {
		return "", err
	}
	if err := c.Fetcher.Fetch(ctx, u, dst); err != nil {
		return u, err
	}
	return u, nil
}

// SendMessage sends a plain text reply to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": false,
	}, nil)
}

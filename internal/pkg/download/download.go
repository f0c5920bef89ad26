// Package download fetches provider artifacts (result images, clips) over HTTP.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var ErrTooLarge = errors.New("download exceeds size limit")

type Client struct {
	httpClient *http.Client
	maxBytes   int64
}

// New returns a client. maxBytes <= 0 disables the size limit.
func New(timeout time.Duration, maxBytes int64) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// NewWithHTTPClient is used by tests to reach httptest servers.
func NewWithHTTPClient(hc *http.Client, maxBytes int64) *Client {
	return &Client{httpClient: hc, maxBytes: maxBytes}
}

// Fetch returns the body and content type of rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := c.read(resp.Body)
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// ToFile streams rawURL into path and returns the number of bytes written.
func (c *Client) ToFile(ctx context.Context, rawURL, path string) (int64, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = resp.Body
	if c.maxBytes > 0 {
		src = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		return n, ErrTooLarge
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid download url: %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", parsed.Host, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", parsed.Host, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) read(r io.Reader) ([]byte, error) {
	if c.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

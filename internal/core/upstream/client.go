// Package upstream talks to the single fixed origin behind the proxy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://www.reddit.com/"
	defaultPathPrefix = "/proxy/"
	defaultUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	defaultTimeout    = 25 * time.Second
)

// ErrForeignHost is returned when a path would resolve outside the upstream host.
var ErrForeignHost = errors.New("resolved url leaves the upstream host")

// Client fetches resources from the fixed upstream. Caller headers are
// never forwarded; every request carries the same identity.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	PathPrefix string
	UserAgent  string
}

// ResolveURL maps an inbound proxy path and query onto the upstream.
// Equal inputs always produce the same URL, which doubles as the cache key.
func (c *Client) ResolveURL(path, rawQuery string) (string, error) {
	base, err := url.Parse(c.baseURL())
	if err != nil {
		return "", fmt.Errorf("parse upstream base url: %w", err)
	}

	prefix := c.pathPrefix()
	remainder := strings.Replace(path, prefix, "", 1)
	if remainder == path {
		remainder = strings.TrimPrefix(path, "/")
	}

	raw := strings.TrimSuffix(base.String(), "/") + "/" + remainder
	if rawQuery != "" {
		raw += "?" + rawQuery
	}

	resolved, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if !strings.EqualFold(resolved.Host, base.Host) || resolved.Scheme != base.Scheme {
		return "", ErrForeignHost
	}

	return raw, nil
}

// Fetch issues a GET for target. The caller owns the response body.
func (c *Client) Fetch(ctx context.Context, target string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}
	return resp, nil
}

// Host returns the upstream hostname for logging.
func (c *Client) Host() string {
	parsed, err := url.Parse(c.baseURL())
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func (c *Client) client() *http.Client {
	if c != nil && c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (c *Client) baseURL() string {
	if c != nil && strings.TrimSpace(c.BaseURL) != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) pathPrefix() string {
	if c != nil && c.PathPrefix != "" {
		return c.PathPrefix
	}
	return defaultPathPrefix
}

func (c *Client) userAgent() string {
	if c != nil && c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// StatusClass buckets a status code as 2xx, 3xx, 4xx or 5xx.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}

package proxy

import (
	"bytes"
	"net/http"
)

// hopHeaders apply to a single connection and are not relayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DefaultMaxBodyBytes caps how much of a response is kept for caching.
const DefaultMaxBodyBytes int64 = 5 << 20

// cappedBuffer collects up to limit bytes. Past the limit it drops what it
// holds and reports overflow; writes never fail so a tee keeps streaming.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if int64(c.buf.Len())+int64(len(p)) > c.limit {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Overflowed() bool { return c.overflow }

func (c *cappedBuffer) Bytes() []byte { return bytes.Clone(c.buf.Bytes()) }

// copyHeader relays end-to-end headers from src into dst.
func copyHeader(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}
}

// cacheableHeader returns the headers stored with a cached response.
// Cookies are never replayed to other callers.
func cacheableHeader(src http.Header, cacheControl string) http.Header {
	header := http.Header{}
	copyHeader(header, src)
	header.Del("Set-Cookie")
	header.Set("Cache-Control", cacheControl)
	return header
}

package proxy

import (
	"strings"

	"github.com/marcogreg/proxyd/internal/httpmsg"
	"github.com/marcogreg/proxyd/internal/lru"
)

// CachedResponse is an immutable snapshot of a completed, cacheable
// response's wire text plus the validators needed to revalidate it later
// (spec.md §3). Adapted from the entries/eviction shape of
// VivianShong-web-proxy's CacheEntry, but keyed and revalidated the way
// spec.md §4.6's response-cache fast path requires rather than on a TTL.
type CachedResponse struct {
	wire    []byte
	uri     string
	host    string
	etag    string
	lastMod string
}

// GetValidatingRequest returns the wire bytes of a conditional GET for this
// entry's own uri/host, carrying If-None-Match when an ETag was recorded
// and falling back to If-Modified-Since otherwise.
func (c *CachedResponse) GetValidatingRequest() []byte {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(c.uri)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(c.host)
	b.WriteString("\r\n")
	switch {
	case c.etag != "":
		b.WriteString("If-None-Match: ")
		b.WriteString(c.etag)
		b.WriteString("\r\n")
	case c.lastMod != "":
		b.WriteString("If-Modified-Since: ")
		b.WriteString(c.lastMod)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// WireBytes returns the cached response's original wire bytes, replayed
// verbatim to a client on a 304 revalidation.
func (c *CachedResponse) WireBytes() []byte { return c.wire }

// ResponseCache is the reactor-exclusive response cache (spec.md §4.1, C1),
// keyed by host:port+URI (spec.md §9: the source's host-only DNS-cache
// keying bug does not apply here — the response cache was always
// host:port+URI keyed, but SPEC_FULL makes the port explicit in the key
// construction to avoid ever conflating two virtual hosts on one IP).
type ResponseCache struct {
	entries *lru.Cache[string, *CachedResponse]
}

// NewResponseCache returns a ResponseCache holding at most capacity entries.
func NewResponseCache(capacity int) *ResponseCache {
	return &ResponseCache{entries: lru.New[string, *CachedResponse](capacity)}
}

// Key builds the response cache key for a request bound for hostPort with
// origin-form uri.
func Key(hostPort, uri string) string { return hostPort + uri }

// Len returns the number of entries currently held. Must only be called
// from the reactor goroutine, same as every other ResponseCache method.
func (rc *ResponseCache) Len() int { return rc.entries.Len() }

// Lookup returns the cached entry for key, if any, updating its recency.
func (rc *ResponseCache) Lookup(key string) (*CachedResponse, bool) {
	return rc.entries.Get(key)
}

// Store inserts resp as the cached entry for the request that produced it,
// if resp.IsCacheable reports true. No-op otherwise.
func (rc *ResponseCache) Store(hostPort, uri, requestMethod string, resp *httpmsg.Response) {
	if !resp.IsCacheable(requestMethod) {
		return
	}
	rc.entries.Put(Key(hostPort, uri), &CachedResponse{
		wire:    resp.WireBytes(),
		uri:     uri,
		host:    hostPort,
		etag:    resp.GetHeader("ETag"),
		lastMod: resp.GetHeader("Last-Modified"),
	})
}

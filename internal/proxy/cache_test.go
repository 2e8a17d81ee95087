package proxy

import (
	"strings"
	"testing"

	"github.com/marcogreg/proxyd/internal/httpmsg"
)

func parsedResponse(t *testing.T, wire string) *httpmsg.Response {
	t.Helper()
	r := httpmsg.NewResponse()
	r.AddPart([]byte(wire))
	if r.State() != httpmsg.FullBody {
		t.Fatalf("test fixture response did not reach FullBody: %v", r.State())
	}
	return r
}

func TestResponseCacheStoreAndLookup(t *testing.T) {
	rc := NewResponseCache(10)
	resp := parsedResponse(t, "HTTP/1.1 200 OK\r\nETag: \"a\"\r\nContent-Length: 2\r\n\r\nhi")

	rc.Store("example.test:80", "/", "GET", resp)

	entry, ok := rc.Lookup(Key("example.test:80", "/"))
	if !ok {
		t.Fatalf("expected entry to be cached")
	}
	if string(entry.WireBytes()) != string(resp.WireBytes()) {
		t.Fatalf("cached wire bytes do not match original response")
	}
}

func TestResponseCacheSkipsNonCacheableResponse(t *testing.T) {
	rc := NewResponseCache(10)
	resp := parsedResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")

	rc.Store("example.test:80", "/", "GET", resp)

	if _, ok := rc.Lookup(Key("example.test:80", "/")); ok {
		t.Fatalf("response without a validator must not be cached")
	}
}

func TestCachedResponseValidatingRequestPrefersETag(t *testing.T) {
	rc := NewResponseCache(10)
	resp := parsedResponse(t, "HTTP/1.1 200 OK\r\nETag: \"a\"\r\nLast-Modified: yesterday\r\nContent-Length: 2\r\n\r\nhi")
	rc.Store("example.test:80", "/x", "GET", resp)

	entry, _ := rc.Lookup(Key("example.test:80", "/x"))
	req := string(entry.GetValidatingRequest())
	if !strings.Contains(req, "If-None-Match: \"a\"") {
		t.Fatalf("expected If-None-Match in validating request, got %q", req)
	}
	if strings.Contains(req, "If-Modified-Since") {
		t.Fatalf("expected ETag to take priority over Last-Modified, got %q", req)
	}
}

func TestCachedResponseValidatingRequestFallsBackToLastModified(t *testing.T) {
	rc := NewResponseCache(10)
	resp := parsedResponse(t, "HTTP/1.1 200 OK\r\nLast-Modified: yesterday\r\nContent-Length: 2\r\n\r\nhi")
	rc.Store("example.test:80", "/y", "GET", resp)

	entry, _ := rc.Lookup(Key("example.test:80", "/y"))
	req := string(entry.GetValidatingRequest())
	if !strings.Contains(req, "If-Modified-Since: yesterday") {
		t.Fatalf("expected If-Modified-Since fallback, got %q", req)
	}
}

func TestResponseCacheKeyIncludesPort(t *testing.T) {
	if Key("a.test:80", "/x") == Key("a.test:8080", "/x") {
		t.Fatalf("keys for different ports must not collide")
	}
}

package resolver

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/marcogreg/proxyd/internal/reactor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(testLogger())
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolveDeliversAddress(t *testing.T) {
	r := newTestReactor(t)
	p := NewPool(testLogger(), r, Config{Workers: 1, LookupTimeout: 2 * time.Second})

	got := make(chan netip.AddrPort, 1)
	errCh := make(chan error, 1)
	p.Resolve("localhost:80", func(addr netip.AddrPort, err error) {
		if err != nil {
			errCh <- err
			return
		}
		got <- addr
	})

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case addr := <-got:
		if !addr.IsValid() || addr.Port() != 80 {
			t.Fatalf("unexpected addr %v", addr)
		}
	case err := <-errCh:
		t.Fatalf("resolve failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
}

func TestResolveCachesInReactor(t *testing.T) {
	r := newTestReactor(t)
	p := NewPool(testLogger(), r, Config{Workers: 1, LookupTimeout: 2 * time.Second})

	done := make(chan struct{})
	p.Resolve("localhost:80", func(addr netip.AddrPort, err error) {
		close(done)
	})

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for resolution")
	}

	if _, ok := p.LookupCached("localhost:80"); !ok {
		t.Fatalf("expected reactor cache to hold the resolved address")
	}
}

func TestCanceledRequestIsNeverDelivered(t *testing.T) {
	r := newTestReactor(t)
	p := NewPool(testLogger(), r, Config{Workers: 1, LookupTimeout: 2 * time.Second})

	delivered := make(chan struct{}, 1)
	req := p.Resolve("localhost:80", func(netip.AddrPort, error) {
		delivered <- struct{}{}
	})
	req.Cancel()

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case <-delivered:
		t.Fatalf("canceled request was delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestResolveDeliversFailureOnLookupError guards against a regression where
// a lookup failure was silently dropped by the worker instead of being
// delivered: the deliver callback must still fire, with a non-nil error, so
// the connection can send a 502 instead of hanging until its idle timeout.
func TestResolveDeliversFailureOnLookupError(t *testing.T) {
	r := newTestReactor(t)
	p := NewPool(testLogger(), r, Config{Workers: 1, LookupTimeout: 2 * time.Second})

	got := make(chan error, 1)
	p.Resolve("nonexistent.invalid.example:80", func(addr netip.AddrPort, err error) {
		got <- err
	})

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case err := <-got:
		if err == nil {
			t.Fatalf("expected a non-nil error for an unresolvable host")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the failure to be delivered")
	}

	if _, ok := p.LookupCached("nonexistent.invalid.example:80"); ok {
		t.Fatalf("a failed lookup must not populate the reactor cache")
	}
}

// TestWorkerCacheKeyedByHostPort guards against the source's host-only
// DNS-cache-keying bug (spec.md §9): a single worker's cache must not
// conflate two different ports on the same host.
func TestWorkerCacheKeyedByHostPort(t *testing.T) {
	r := newTestReactor(t)
	p := NewPool(testLogger(), r, Config{Workers: 1, LookupTimeout: 2 * time.Second})

	go func() { r.Run() }()
	defer r.Stop()

	resolve := func(hostPort string) netip.AddrPort {
		t.Helper()
		got := make(chan netip.AddrPort, 1)
		errCh := make(chan error, 1)
		p.Resolve(hostPort, func(addr netip.AddrPort, err error) {
			if err != nil {
				errCh <- err
				return
			}
			got <- addr
		})
		select {
		case addr := <-got:
			return addr
		case err := <-errCh:
			t.Fatalf("resolve %s failed: %v", hostPort, err)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out resolving %s", hostPort)
		}
		return netip.AddrPort{}
	}

	first := resolve("localhost:80")
	if first.Port() != 80 {
		t.Fatalf("first.Port() = %d; want 80", first.Port())
	}

	// Same worker (Workers: 1), same host, different port: with a
	// host-only-keyed worker cache this would wrongly return the first
	// lookup's cached :80 AddrPort instead of resolving :8080 fresh.
	second := resolve("localhost:8080")
	if second.Port() != 8080 {
		t.Fatalf("second.Port() = %d; want 8080 (worker cache must be keyed by host:port, not host alone)", second.Port())
	}
}

func TestSplitHostPortDefaultsPort80(t *testing.T) {
	host, port, err := splitHostPort("example.com")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "example.com" || port != "80" {
		t.Fatalf("got (%q, %q); want (\"example.com\", \"80\")", host, port)
	}
}

func TestSplitHostPortExplicitPort(t *testing.T) {
	host, port, err := splitHostPort("example.com:8080")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "example.com" || port != "8080" {
		t.Fatalf("got (%q, %q); want (\"example.com\", \"8080\")", host, port)
	}
}

func TestFormatOctetsRendersDottedQuad(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.10")
	if got := formatOctets(addr); got != "192.168.1.10" {
		t.Fatalf("formatOctets = %q; want %q", got, "192.168.1.10")
	}
}

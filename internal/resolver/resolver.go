// Package resolver implements the asynchronous name-resolution pipeline
// (spec.md §4.5): a fixed pool of worker goroutines performs blocking
// hostname resolution off the reactor thread, driven by a work queue, and
// posts results back through the reactor's user event.
//
// spec.md §9 flags the source's hand-rolled "mark canceled, whichever side
// observes it last frees it" ownership protocol as the trickiest lifetime in
// the system and recommends replacing it with a shared handle guarded by an
// atomic flag; that's what Request.canceled is here. Neither side ever frees
// anything explicitly — once both the connection and the worker/answer queue
// drop their reference to a Request, the garbage collector reclaims it.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/marcogreg/proxyd/internal/lru"
	"github.com/marcogreg/proxyd/internal/metrics"
	"github.com/marcogreg/proxyd/internal/reactor"
)

// Request is a single pending or completed resolution. It is created by the
// reactor thread, handed to a worker through the pool's work queue, and
// delivered back to the reactor thread through the answer queue.
type Request struct {
	hostPort string
	deliver  func(netip.AddrPort, error)
	canceled atomic.Bool
	result   resolveResult
}

// Cancel marks the request as canceled. Safe to call at most... actually
// safe to call any number of times, from the reactor thread only (Requests
// are always owned by a connection, and connections are reactor-exclusive).
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

// Pool is a fixed pool of resolver workers sharing a work queue and an
// answer queue, and a reactor-owned DNS cache used to skip the worker pool
// entirely on a cache hit (spec.md §4.1).
type Pool struct {
	log *slog.Logger
	r   *reactor.Reactor

	workCh   chan *Request
	answerCh chan *Request

	// reactorCache is touched only from the reactor goroutine: on the
	// synchronous LookupCached fast path, and when a worker's answer is
	// delivered.
	reactorCache *lru.Cache[string, netip.AddrPort]

	workerCacheSize int
	lookupTimeout   time.Duration

	// metrics is optional and, unlike the rest of Pool, is called from
	// worker goroutines directly: Prometheus instruments are safe for
	// concurrent use from any goroutine, so this needs no additional
	// synchronization.
	metrics *metrics.Collector
}

// Config bundles the pool's tunables.
type Config struct {
	Workers          int
	WorkerCacheSize  int // per-worker DNS cache capacity
	ReactorCacheSize int
	LookupTimeout    time.Duration
	Metrics          *metrics.Collector
}

// NewPool starts cfg.Workers worker goroutines and returns the pool. r must
// already exist; NewPool installs its own user-event handler on r, so at
// most one Pool may share a Reactor.
func NewPool(log *slog.Logger, r *reactor.Reactor, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.WorkerCacheSize < 1 {
		cfg.WorkerCacheSize = 1000
	}
	if cfg.ReactorCacheSize < 1 {
		cfg.ReactorCacheSize = 1000
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}

	p := &Pool{
		log:             log,
		r:               r,
		workCh:          make(chan *Request, 4096),
		answerCh:        make(chan *Request, 4096),
		reactorCache:    lru.New[string, netip.AddrPort](cfg.ReactorCacheSize),
		workerCacheSize: cfg.WorkerCacheSize,
		lookupTimeout:   cfg.LookupTimeout,
		metrics:         cfg.Metrics,
	}
	r.SetUserEventHandler(p.onUserEvent)

	for i := 0; i < cfg.Workers; i++ {
		go p.runWorker(i)
	}
	return p
}

// LookupCached consults the reactor-owned DNS cache without touching the
// worker pool at all. Must only be called from the reactor goroutine.
func (p *Pool) LookupCached(hostPort string) (netip.AddrPort, bool) {
	return p.reactorCache.Get(hostPort)
}

// QueueDepth reports how many lookups are enqueued but not yet claimed by a
// worker. len() on a channel is safe for concurrent use, so unlike the rest
// of Pool's reactor-facing surface this may be called from any goroutine —
// intended for a metrics poller running off the reactor thread.
func (p *Pool) QueueDepth() int {
	return len(p.workCh)
}

// Resolve enqueues hostPort for background resolution. deliver is invoked on
// the reactor goroutine once a result is available, unless the request is
// canceled first — a canceled request is silently dropped by whichever side
// next observes the flag. Must only be called from the reactor goroutine.
func (p *Pool) Resolve(hostPort string, deliver func(netip.AddrPort, error)) *Request {
	req := &Request{hostPort: hostPort, deliver: deliver}
	select {
	case p.workCh <- req:
	default:
		// The reactor thread must never block; in the (pathological) case
		// where the work queue is momentarily full, hand off the enqueue to
		// a disposable goroutine instead of stalling the event loop.
		go func() { p.workCh <- req }()
	}
	return req
}

func (p *Pool) runWorker(id int) {
	cache := lru.New[string, netip.AddrPort](p.workerCacheSize)
	log := p.log.With("component", "resolver", "worker", id)

	for req := range p.workCh {
		if req.canceled.Load() {
			continue
		}

		host, port, err := splitHostPort(req.hostPort)
		if err != nil {
			log.Warn("bad host:port", "value", req.hostPort, "error", err)
			p.deliverFailure(req, err)
			continue
		}

		addr, ok := cache.Get(req.hostPort)
		if ok {
			p.recordLookup("worker_cache_hit")
		} else {
			addr, err = p.lookupHost(host, port)
			if err != nil {
				log.Warn("resolution failed", "host", host, "error", err)
				p.recordLookup("error")
				p.deliverFailure(req, err)
				continue
			}
			cache.Put(req.hostPort, addr)
			p.recordLookup("resolved")
			log.Debug("resolved", "host", host, "addr", formatOctets(addr.Addr()))
		}

		if req.canceled.Load() {
			continue
		}
		req.result = resolveResult{addr: addr}
		p.answerCh <- req
		p.r.TriggerUserEvent()
	}
}

// deliverFailure hands req back to the reactor with a non-nil error instead
// of silently dropping it. Without this, a lookup failure (bad host:port or
// a resolution error) never reached onUserEvent, so Connection.onResolved
// was never invoked and the connection hung, client reads suspended, until
// the idle timer eventually killed it — exactly the silent-abandonment
// behavior spec.md §7 asks to replace with a 502.
func (p *Pool) deliverFailure(req *Request, err error) {
	if req.canceled.Load() {
		return
	}
	req.result = resolveResult{err: err}
	p.answerCh <- req
	p.r.TriggerUserEvent()
}

type resolveResult struct {
	addr netip.AddrPort
	err  error
}

func (p *Pool) lookupHost(host, port string) (netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.lookupTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolver: no A record for %q", host)
	}
	ip, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("resolver: %q did not resolve to an IPv4 address", host)
	}

	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, uint16(portNum)), nil
}

// onUserEvent runs on the reactor goroutine. It pops exactly one answer per
// wake and re-triggers the user event if more remain, matching spec.md
// §4.5's fairness rule: draining the whole backlog in one dispatch would
// starve other readiness events sharing this reactor iteration.
func (p *Pool) onUserEvent() {
	select {
	case req := <-p.answerCh:
		if !req.canceled.Load() {
			if req.result.err == nil {
				p.reactorCache.Put(req.hostPort, req.result.addr)
			}
			req.deliver(req.result.addr, req.result.err)
		}
	default:
		return
	}
	if len(p.answerCh) > 0 {
		p.r.TriggerUserEvent()
	}
}

// formatOctets renders addr as a dotted quad by extracting its octets
// low-to-high and reversing, the same shift-mask-then-reverse technique
// dns_client/main.go's parseRecordData uses to turn a big-endian uint32
// A-record into a printable address.
func formatOctets(addr netip.Addr) string {
	if !addr.Is4() {
		return addr.String()
	}
	raw := addr.As4()
	rdata := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])

	parts := make([]string, 0, 4)
	mask := uint32(0x000000ff)
	shift := uint32(0)
	for i := 0; i < 4; i++ {
		parts = append(parts, strconv.Itoa(int((rdata&mask)>>shift)))
		mask <<= 8
		shift += 8
	}
	slices.Reverse(parts)
	return strings.Join(parts, ".")
}

func (p *Pool) recordLookup(outcome string) {
	if p.metrics != nil {
		p.metrics.ResolverLookup(outcome)
	}
}

func splitHostPort(hostPort string) (host, port string, err error) {
	if !strings.Contains(hostPort, ":") {
		return hostPort, "80", nil
	}
	return net.SplitHostPort(hostPort)
}

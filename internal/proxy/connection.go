// Package proxy implements the connection state machine (spec.md §4.6, C6)
// tying the parser, write buffer, reactor, and resolver pool together: client
// read → resolve/cache-hit → upstream connect/reuse → request write →
// response read → cache/validate → client write, plus the CONNECT tunnel
// variant. Grounded line-for-line on
// _examples/original_source/proxy/proxy.cpp's client_on_read,
// connect_to_server, make_request, server_on_read, try_to_cache and
// CONNECT_on_read.
package proxy

import (
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marcogreg/proxyd/internal/httpmsg"
	"github.com/marcogreg/proxyd/internal/metrics"
	"github.com/marcogreg/proxyd/internal/reactor"
	"github.com/marcogreg/proxyd/internal/resolver"
	"github.com/marcogreg/proxyd/internal/timeout"
	"github.com/marcogreg/proxyd/internal/wbuf"
)

// mode selects the upstream on-read behavior currently installed on a
// Connection. Spec.md §9 flags the source's inheritance-by-callback
// (replaceable on-read/on-write closures) as better modelled as a tagged
// variant switched on in one dispatch method than as function-pointer slots;
// mode is that tag.
type mode int

const (
	modeNormal mode = iota
	modeValidating
	modeDraining
	modeTunnel
)

// Deps bundles the collaborators every Connection needs, shared across all
// connections accepted by one listener.
type Deps struct {
	Log         *slog.Logger
	Reactor     *reactor.Reactor
	Resolver    *resolver.Pool
	Cache       *ResponseCache
	Timeouts    *timeout.Manager
	ReadBufSize int

	// Metrics is optional; a nil Metrics disables all counter/gauge updates,
	// which keeps every test that doesn't care about observability from
	// having to construct a Collector.
	Metrics *metrics.Collector
}

// Connection is one client's proxy session: its client socket, a possibly
// absent upstream socket, in-progress request/response, two write buffers, a
// pending resolution handle, an idle timer, and the remembered upstream
// endpoint used to decide keep-alive reuse (spec.md §3).
type Connection struct {
	deps Deps
	log  *slog.Logger
	id   string

	clientFd   int
	upstreamFd int // -1 when no upstream socket is open

	clientWbuf   *wbuf.Buffer
	upstreamWbuf *wbuf.Buffer

	req  *httpmsg.Request
	resp *httpmsg.Response

	// upstreamHostPort is the host:port the currently open upstreamFd is
	// connected to; empty when upstreamFd == -1.
	upstreamHostPort string

	// pending* describe the request currently in flight upstream.
	pendingHostPort string
	pendingURI      string
	pendingMethod   string

	mode        mode
	cachedEntry *CachedResponse

	pendingResolve *resolver.Request
	idleTimer      *timeout.Timer

	// streamedBytes counts how many bytes of the in-progress response have
	// already been forwarded to the client in modeNormal's incremental
	// streaming path.
	streamedBytes int

	closeAfterClientDrain bool
	closed                bool
}

// Accept constructs a Connection for a freshly accepted, already
// non-blocking client socket and installs its client-read handler and idle
// timer. It never blocks.
func Accept(deps Deps, clientFd int) *Connection {
	c := &Connection{
		deps:       deps,
		id:         uuid.NewString(),
		clientFd:   clientFd,
		upstreamFd: -1,
		req:        httpmsg.NewRequest(),
	}
	c.log = deps.Log.With("component", "proxy", "conn", c.id)
	c.clientWbuf = wbuf.New(clientFd,
		func() { deps.Reactor.AddEventHandler(clientFd, reactor.FilterWrite, c.onClientWritable) },
		func() { deps.Reactor.DeleteEventHandler(clientFd, reactor.FilterWrite) },
	)
	c.idleTimer = deps.Timeouts.Start(c.onIdleTimeout)
	deps.Reactor.AddEventHandler(clientFd, reactor.FilterRead, c.onClientReadable)
	if deps.Metrics != nil {
		deps.Metrics.ConnectionOpened()
	}
	return c
}

func (c *Connection) touch() {
	c.idleTimer.Touch()
}

func (c *Connection) onIdleTimeout() {
	c.log.Info("idle timeout")
	c.destroy()
}

// destroy tears the connection down: cancels the idle timer and any pending
// resolution, deregisters and closes both sockets. Safe to call more than
// once.
func (c *Connection) destroy() {
	if c.closed {
		return
	}
	c.closed = true
	if c.deps.Metrics != nil {
		c.deps.Metrics.ConnectionClosed()
	}
	c.idleTimer.Cancel()
	if c.pendingResolve != nil {
		c.pendingResolve.Cancel()
		c.pendingResolve = nil
	}
	c.deps.Reactor.DeleteEventHandler(c.clientFd, reactor.FilterRead)
	c.deps.Reactor.DeleteEventHandler(c.clientFd, reactor.FilterWrite)
	unix.Close(c.clientFd)
	c.closeUpstream()
}

func (c *Connection) closeUpstream() {
	if c.upstreamFd == -1 {
		return
	}
	c.deps.Reactor.DeleteEventHandler(c.upstreamFd, reactor.FilterRead)
	c.deps.Reactor.DeleteEventHandler(c.upstreamFd, reactor.FilterWrite)
	unix.Close(c.upstreamFd)
	c.upstreamFd = -1
	c.upstreamHostPort = ""
	c.upstreamWbuf = nil
}

func (c *Connection) onClientWritable() {
	if err := c.clientWbuf.WriteReady(); err != nil {
		c.log.Warn("client write failed", "error", err)
		c.destroy()
		return
	}
	c.touch()
	if c.closeAfterClientDrain && c.clientWbuf.Empty() {
		c.destroy()
	}
}

func (c *Connection) sendClientBytes(b []byte) {
	c.clientWbuf.Enqueue(b)
}

// sendAndClose enqueues b on the client write buffer and closes the
// connection once it fully drains, used for the 400 Bad Request and 502 Bad
// Gateway synthetic responses (spec.md §7).
func (c *Connection) sendAndClose(b []byte) {
	switch string(b) {
	case badRequestResponse:
		c.recordOutcome("400")
	case badGatewayResponse:
		c.recordOutcome("502")
	}
	c.closeAfterClientDrain = true
	c.clientWbuf.Enqueue(b)
	if c.clientWbuf.Empty() {
		c.destroy()
	}
}

func (c *Connection) recordCacheLookup(hit bool) {
	if c.deps.Metrics == nil {
		return
	}
	if hit {
		c.deps.Metrics.CacheHit()
	} else {
		c.deps.Metrics.CacheMiss()
	}
}

func (c *Connection) recordOutcome(outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RequestCompleted(outcome)
	}
}

func (c *Connection) recordCacheSize() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetCacheEntries(c.deps.Cache.Len())
	}
}

func (c *Connection) recordUpstreamError() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.UpstreamError()
	}
}

const badRequestResponse = "HTTP/1.1 400 Bad Request\r\n\r\n"
const badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
const connectEstablishedResponse = "HTTP/1.1 200 Connection established\r\n\r\n"

func (c *Connection) onClientReadable() {
	buf := make([]byte, c.readBufSize())
	n, err := unix.Read(c.clientFd, buf)
	if n > 0 {
		c.touch()
	}
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return
		default:
			c.log.Debug("client read error", "error", err)
			c.destroy()
			return
		}
	}
	if n == 0 {
		// Client EOF tears the whole connection down in every mode; a
		// tunnel's other direction (upstream) is closed along with it by
		// destroy's closeUpstream, per spec.md §7's peer-EOF handling.
		c.destroy()
		return
	}

	if c.mode == modeTunnel {
		if c.upstreamFd != -1 {
			c.deps.Reactor.AddEventHandler(c.upstreamFd, reactor.FilterWrite, c.onUpstreamWritable)
			c.upstreamWbuf.Enqueue(buf[:n])
		}
		return
	}

	c.req.AddPart(buf[:n])
	switch c.req.State() {
	case httpmsg.Bad:
		c.sendAndClose([]byte(badRequestResponse))
	case httpmsg.FullBody:
		c.routeRequest()
	}
}

func (c *Connection) readBufSize() int {
	if c.deps.ReadBufSize > 0 {
		return c.deps.ReadBufSize
	}
	return 8192
}

// routeRequest is reached exactly once per request, when the client's
// request parser reaches FullBody. It decides CONNECT-tunnel vs. proxy mode,
// applies the response-cache fast path, and starts DNS resolution or
// upstream connect/reuse.
func (c *Connection) routeRequest() {
	c.pendingHostPort = c.req.Host
	c.pendingURI = c.req.GetURI()
	c.pendingMethod = c.req.Method

	if c.pendingHostPort == "" {
		c.sendAndClose([]byte(badRequestResponse))
		return
	}

	if c.req.Method == "CONNECT" {
		c.mode = modeTunnel
		c.beginResolve()
		return
	}

	if entry, ok := c.deps.Cache.Lookup(Key(c.pendingHostPort, c.pendingURI)); ok {
		c.mode = modeValidating
		c.cachedEntry = entry
		c.recordCacheLookup(true)
	} else {
		c.mode = modeNormal
		c.cachedEntry = nil
		c.recordCacheLookup(false)
	}
	c.beginResolve()
}

// beginResolve suspends client reads for the duration of this request (a
// connection has at most one in-flight request at a time, spec.md §5) and
// consults the resolver's reactor-owned DNS cache first (spec.md §4.5); on a
// miss it enqueues a resolution and stays suspended until the answer arrives
// via the resolver's user event.
func (c *Connection) beginResolve() {
	c.deps.Reactor.DeleteEventHandler(c.clientFd, reactor.FilterRead)
	if addr, ok := c.deps.Resolver.LookupCached(c.pendingHostPort); ok {
		c.connectAndSend(addr)
		return
	}
	c.pendingResolve = c.deps.Resolver.Resolve(c.pendingHostPort, c.onResolved)
}

// onResolved runs on the reactor goroutine once the resolver pool has an
// answer (or failure) for the connection's pending request. Client reads
// stay suspended until the exchange finishes (finishExchange) or, for
// CONNECT, the tunnel is established (onConnectComplete).
func (c *Connection) onResolved(addr netip.AddrPort, err error) {
	c.pendingResolve = nil
	if c.closed {
		return
	}
	if err != nil {
		c.log.Warn("dns resolution failed", "host", c.pendingHostPort, "error", err)
		c.recordUpstreamError()
		c.deps.Reactor.AddEventHandler(c.clientFd, reactor.FilterRead, c.onClientReadable)
		c.sendAndClose([]byte(badGatewayResponse))
		return
	}
	c.connectAndSend(addr)
}

// connectAndSend implements connect_to_server's keep-alive branch: reuse the
// open upstream socket if it is already bound to the same host:port,
// otherwise tear down any existing one and open a fresh, non-blocking
// connection.
func (c *Connection) connectAndSend(addr netip.AddrPort) {
	if c.upstreamFd != -1 && c.upstreamHostPort == c.pendingHostPort {
		c.log.Debug("keep-alive reuse", "host", c.pendingHostPort)
		c.startResponse()
		c.writeUpstreamRequest()
		return
	}

	c.closeUpstream()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		c.log.Warn("socket() failed", "error", err)
		c.recordUpstreamError()
		c.sendAndClose([]byte(badGatewayResponse))
		return
	}

	sa := sockaddrFromAddrPort(addr)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		c.log.Warn("connect() failed", "host", c.pendingHostPort, "error", err)
		c.recordUpstreamError()
		c.sendAndClose([]byte(badGatewayResponse))
		return
	}

	c.upstreamFd = fd
	c.upstreamHostPort = c.pendingHostPort
	c.upstreamWbuf = wbuf.New(fd,
		func() { c.deps.Reactor.AddEventHandler(fd, reactor.FilterWrite, c.onUpstreamWritable) },
		func() { c.deps.Reactor.DeleteEventHandler(fd, reactor.FilterWrite) },
	)
	c.startResponse()
	c.deps.Reactor.AddEventHandler(fd, reactor.FilterWrite, c.onConnectComplete)
}

func (c *Connection) startResponse() {
	if c.mode != modeTunnel {
		c.resp = httpmsg.NewResponse()
	}
}

// onConnectComplete fires once the non-blocking connect(2) resolves (success
// or failure surfaces as writability plus SO_ERROR).
func (c *Connection) onConnectComplete() {
	c.deps.Reactor.DeleteEventHandler(c.upstreamFd, reactor.FilterWrite)
	if !c.upstreamWbuf.Empty() {
		c.deps.Reactor.AddEventHandler(c.upstreamFd, reactor.FilterWrite, c.onUpstreamWritable)
	}

	errno, err := unix.GetsockoptInt(c.upstreamFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		c.log.Warn("upstream connect failed", "host", c.pendingHostPort)
		c.recordUpstreamError()
		c.closeUpstream()
		c.sendAndClose([]byte(badGatewayResponse))
		return
	}

	if c.mode == modeTunnel {
		c.deps.Reactor.AddEventHandler(c.upstreamFd, reactor.FilterRead, c.onUpstreamReadableTunnel)
		c.deps.Reactor.AddEventHandler(c.clientFd, reactor.FilterRead, c.onClientReadable)
		c.sendClientBytes([]byte(connectEstablishedResponse))
		return
	}

	c.deps.Reactor.AddEventHandler(c.upstreamFd, reactor.FilterRead, c.onUpstreamReadable)
	c.writeUpstreamRequest()
}

// writeUpstreamRequest enqueues the outbound request bytes: the client's
// request rewritten to origin form in modeNormal, or the cached entry's
// revalidating conditional GET in modeValidating (spec.md §4.6's
// response-cache fast path).
func (c *Connection) writeUpstreamRequest() {
	var out []byte
	switch c.mode {
	case modeValidating:
		out = c.cachedEntry.GetValidatingRequest()
	default:
		out = c.req.WireBytes()
	}
	c.upstreamWbuf.Enqueue(out)
}

func (c *Connection) onUpstreamWritable() {
	if err := c.upstreamWbuf.WriteReady(); err != nil {
		c.log.Warn("upstream write failed", "error", err)
		c.destroy()
		return
	}
	c.touch()
}

// onUpstreamReadable handles response bytes in modeNormal and modeValidating,
// and discards them in modeDraining. No path currently sets modeDraining: a
// non-200 revalidation response closes the upstream instead (see
// onResponseComplete). It is installed once per upstream connect/reuse and
// dispatches on c.mode, per the §9 tagged-variant redesign flag.
func (c *Connection) onUpstreamReadable() {
	buf := make([]byte, c.readBufSize())
	n, err := unix.Read(c.upstreamFd, buf)
	if n > 0 {
		c.touch()
	}
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return
		default:
			c.log.Debug("upstream read error", "error", err)
			c.finishExchange(false)
			return
		}
	}
	if n == 0 {
		c.resp.MarkEOF()
		if c.resp.State() == httpmsg.FullBody {
			// Only an until-close-framed response ever reaches FullBody via
			// MarkEOF (httpmsg.Response.MarkEOF), so the peer has already
			// closed its side of the socket; the upstream connection can
			// never be kept for reuse here, no matter what mode is active.
			c.onResponseComplete(true)
		} else {
			c.finishExchange(false)
		}
		return
	}

	if c.mode == modeDraining {
		return
	}

	c.resp.AddPart(buf[:n])
	switch c.resp.State() {
	case httpmsg.Bad:
		c.finishExchange(false)
	case httpmsg.FullBody:
		c.onResponseComplete(false)
	default:
		if c.mode == modeNormal && c.resp.State() >= httpmsg.HeadersDone {
			c.streamPartial()
		}
	}
}

func (c *Connection) streamPartial() {
	// modeNormal streams response bytes to the client as they arrive rather
	// than buffering the whole thing; modeValidating must see the complete
	// status line/headers before deciding 200-vs-other, so it buffers.
	sent := c.resp.WireBytes()
	if len(sent) > c.streamedBytes {
		c.sendClientBytes(sent[c.streamedBytes:])
		c.streamedBytes = len(sent)
	}
}

// onResponseComplete is reached once c.resp is FullBody in modeNormal or
// modeValidating: it finishes streaming, applies the cache-store/validate
// decision, and returns the connection to reading the next client request
// (keep-alive) or closes the upstream, per spec.md §4.6 and §9. eof is true
// when FullBody was reached through onUpstreamReadable's n==0 branch (an
// until-close-framed response, socket already closed by the peer), which
// must force the upstream closed regardless of mode — keeping it open would
// leave an already-EOF'd, level-triggered fd registered for read, spinning
// the reactor on repeated zero-byte reads until the idle timer eventually
// fires.
func (c *Connection) onResponseComplete(eof bool) {
	switch c.mode {
	case modeNormal:
		c.streamPartial()
		c.deps.Cache.Store(c.pendingHostPort, c.pendingURI, c.pendingMethod, c.resp)
		c.recordCacheSize()
		c.recordOutcome(strconv.Itoa(c.resp.GetCode()))
		c.finishExchange(!eof)
	case modeValidating:
		if c.resp.GetCode() != 200 {
			c.sendClientBytes(c.cachedEntry.WireBytes())
			c.recordOutcome(strconv.Itoa(c.resp.GetCode()))
			// §9 REDESIGN FLAG: the source's 304-path handler drains further
			// upstream bytes but never re-enters the normal request loop on
			// that socket; close it instead of leaving it half-adopted.
			c.finishExchange(false)
			return
		}
		// Origin sent 200 with a fresh body: forward it and cache it like a
		// normal miss would have.
		c.sendClientBytes(c.resp.WireBytes())
		c.deps.Cache.Store(c.pendingHostPort, c.pendingURI, c.pendingMethod, c.resp)
		c.recordCacheSize()
		c.recordOutcome(strconv.Itoa(c.resp.GetCode()))
		c.finishExchange(!eof)
	}
}

// finishExchange completes one request/response cycle. If keepUpstream is
// true and the response's framing allowed determining its end without
// closing the socket, the upstream connection stays open for the next
// request's keep-alive reuse check; otherwise it is closed now.
func (c *Connection) finishExchange(keepUpstream bool) {
	if !keepUpstream {
		c.closeUpstream()
	}
	c.mode = modeNormal
	c.cachedEntry = nil
	c.streamedBytes = 0
	c.req = httpmsg.NewRequest()
	c.resp = nil
	if !c.closed {
		c.deps.Reactor.AddEventHandler(c.clientFd, reactor.FilterRead, c.onClientReadable)
	}
}

func (c *Connection) onUpstreamReadableTunnel() {
	buf := make([]byte, c.readBufSize())
	n, err := unix.Read(c.upstreamFd, buf)
	if n > 0 {
		c.touch()
	}
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return
		default:
			c.destroy()
			return
		}
	}
	if n == 0 {
		// Upstream closed: bytes it already sent may still be queued for the
		// client, so stop reading upstream and tear down once they drain.
		if !c.clientWbuf.Empty() {
			c.deps.Reactor.DeleteEventHandler(c.upstreamFd, reactor.FilterRead)
			c.closeAfterClientDrain = true
			return
		}
		c.destroy()
		return
	}
	c.deps.Reactor.AddEventHandler(c.clientFd, reactor.FilterWrite, c.onClientWritable)
	c.clientWbuf.Enqueue(buf[:n])
}

func sockaddrFromAddrPort(addr netip.AddrPort) unix.Sockaddr {
	a4 := addr.Addr().As4()
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a4}
}

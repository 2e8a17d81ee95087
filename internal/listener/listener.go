// Package listener implements the accept loop (spec.md §4.7, C7): a single
// read handler on the listening socket that accepts one client per
// readiness and installs a fresh proxy engine instance for it. Directly
// extends the teacher's blocking unix.Accept loop
// (network/http-prework/proxy_server.go) into a non-blocking, reactor-driven
// handler.
package listener

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/marcogreg/proxyd/internal/proxy"
	"github.com/marcogreg/proxyd/internal/reactor"
)

// Listener owns the listening socket and installs a Connection per accepted
// client.
type Listener struct {
	log  *slog.Logger
	r    *reactor.Reactor
	deps proxy.Deps
	fd   int
	port int
}

// New binds and listens on 0.0.0.0:port (spec.md §6) and registers the
// accept handler on r. It does not start accepting until r.Run is called.
func New(log *slog.Logger, r *reactor.Reactor, deps proxy.Deps, port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	if port == 0 {
		if sa, err := unix.Getsockname(fd); err == nil {
			if sa4, ok := sa.(*unix.SockaddrInet4); ok {
				port = sa4.Port
			}
		}
	}

	l := &Listener{log: log.With("component", "listener"), r: r, deps: deps, fd: fd, port: port}
	r.AddEventHandler(fd, reactor.FilterRead, l.onAcceptable)
	return l, nil
}

// Port returns the bound port (useful when constructed with port 0 in
// tests).
func (l *Listener) Port() int { return l.port }

// Close stops accepting and closes the listening socket.
func (l *Listener) Close() error {
	l.r.DeleteEventHandler(l.fd, reactor.FilterRead)
	return unix.Close(l.fd)
}

// onAcceptable accepts one client per readiness notification. The listening
// socket is registered level-triggered, so further queued connections are
// reported again on the next reactor iteration. Accept failures are logged
// and non-fatal (spec.md §4.7).
func (l *Listener) onAcceptable() {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
		default:
			l.log.Warn("accept failed", "error", err)
		}
		return
	}
	proxy.Accept(l.deps, fd)
}

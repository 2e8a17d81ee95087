// Package reactor implements the single-threaded, readiness-based event
// loop described in spec.md §4.4: a thin façade over epoll (this system's
// Go-idiomatic stand-in for the reference kqueue abstraction — per spec.md
// §6, "any equivalent readiness mechanism satisfies the contract") plus a
// software one-shot timer wheel and an eventfd-backed cross-thread wake.
//
// Everything in this package runs on exactly one goroutine: the one that
// calls Run. Callbacks must never block; they may register or deregister
// handlers — including their own — and may be invoked from within another
// callback's execution via re-entrant helper calls, but Run itself is never
// called concurrently with itself.
package reactor

import (
	"container/heap"
	"encoding/binary"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Filter selects which readiness a callback is interested in.
type Filter int

const (
	FilterRead Filter = iota
	FilterWrite
)

// ReadWriteCallback is invoked when a registered fd becomes ready. It must
// not block.
type ReadWriteCallback func()

type fdState struct {
	fd       int
	events   uint32 // currently registered EPOLLIN|EPOLLOUT bitmask
	onRead   ReadWriteCallback
	onWrite  ReadWriteCallback
	present  bool // whether epoll_ctl has ever ADDed this fd
}

// Reactor is a single-threaded epoll event loop with one-shot timers and a
// cross-thread user event.
type Reactor struct {
	log *slog.Logger

	epfd        int
	userEventFd int

	fds map[int]*fdState

	timers    timerHeap
	onUser    func()

	running bool
	stop    chan struct{}
}

// New creates a Reactor with no user-event handler installed. Call
// SetUserEventHandler before Run if anything will call TriggerUserEvent.
func New(log *slog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		log:         log,
		epfd:        epfd,
		userEventFd: efd,
		fds:         make(map[int]*fdState),
		stop:        make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, err
	}
	return r, nil
}

// SetUserEventHandler installs the callback invoked (on the reactor
// goroutine) every time TriggerUserEvent is called from another goroutine.
// Per the EV_CLEAR contract in spec.md §4.4 it must drain all pending work
// itself, since the wake is level-edge-cleared before the callback runs.
func (r *Reactor) SetUserEventHandler(onUserEvent func()) {
	r.onUser = onUserEvent
}

// Close releases the reactor's own file descriptors. It does not touch any
// fd registered by a caller.
func (r *Reactor) Close() error {
	unix.Close(r.userEventFd)
	return unix.Close(r.epfd)
}

// AddEventHandler registers callback for filter readiness on fd, replacing
// any previous callback for that (fd, filter) pair.
func (r *Reactor) AddEventHandler(fd int, filter Filter, callback ReadWriteCallback) error {
	st, ok := r.fds[fd]
	if !ok {
		st = &fdState{fd: fd}
		r.fds[fd] = st
	}
	switch filter {
	case FilterRead:
		st.onRead = callback
	case FilterWrite:
		st.onWrite = callback
	}
	return r.syncEvents(st)
}

// DeleteEventHandler deregisters the callback for filter on fd. Once neither
// filter has a callback the fd is removed from epoll entirely.
func (r *Reactor) DeleteEventHandler(fd int, filter Filter) error {
	st, ok := r.fds[fd]
	if !ok {
		return nil
	}
	switch filter {
	case FilterRead:
		st.onRead = nil
	case FilterWrite:
		st.onWrite = nil
	}
	return r.syncEvents(st)
}

func (r *Reactor) syncEvents(st *fdState) error {
	var want uint32
	if st.onRead != nil {
		want |= unix.EPOLLIN
	}
	if st.onWrite != nil {
		want |= unix.EPOLLOUT
	}

	switch {
	case want == 0 && st.present:
		delete(r.fds, st.fd)
		st.present = false
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
	case want == 0:
		delete(r.fds, st.fd)
		return nil
	case !st.present:
		st.events = want
		st.present = true
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, st.fd, &unix.EpollEvent{Events: want, Fd: int32(st.fd)})
	case want != st.events:
		st.events = want
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, st.fd, &unix.EpollEvent{Events: want, Fd: int32(st.fd)})
	default:
		return nil
	}
}

// TriggerUserEvent wakes the reactor from another goroutine. Safe to call
// concurrently and from the reactor goroutine itself.
func (r *Reactor) TriggerUserEvent() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(r.userEventFd, buf[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (r *Reactor) drainUserEventFd() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.userEventFd, buf[:])
		if err == nil {
			continue
		}
		return
	}
}

// Run drives the event loop until Stop is called or a fatal epoll_wait error
// occurs. It is not re-entrant and not safe to call from more than one
// goroutine.
func (r *Reactor) Run() error {
	r.running = true
	events := make([]unix.EpollEvent, 256)
	for r.running {
		timeout := r.nextTimeoutMillis()
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			r.dispatch(events[i])
		}
		r.fireExpiredTimers()
		select {
		case <-r.stop:
			r.running = false
		default:
		}
	}
	return nil
}

// Stop asks Run to return after the current iteration. Safe to call from
// any goroutine.
func (r *Reactor) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
		// Wake an epoll_wait that may be blocked with no timeout.
		r.TriggerUserEvent()
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.userEventFd {
		r.drainUserEventFd()
		if r.onUser != nil {
			r.safeCall(r.onUser)
		}
		return
	}
	st, ok := r.fds[fd]
	if !ok {
		return
	}
	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		// Surface as both readable and writable so the owning connection's
		// handlers observe EOF/error via their normal read(2)/write(2) path.
		if st.onRead != nil {
			r.safeCall(st.onRead)
		}
		if st2, ok := r.fds[fd]; ok && st2.onWrite != nil {
			r.safeCall(st2.onWrite)
		}
		return
	}
	if ev.Events&unix.EPOLLIN != 0 {
		if st.onRead != nil {
			r.safeCall(st.onRead)
		}
	}
	// A callback invoked above may have deregistered fd (e.g. destroyed the
	// connection); re-fetch before dispatching the write side.
	if st2, ok := r.fds[fd]; ok && ev.Events&unix.EPOLLOUT != 0 && st2.onWrite != nil {
		r.safeCall(st2.onWrite)
	}
}

// safeCall isolates one callback's panic so a bug in a single connection's
// handler cannot take the whole reactor down.
func (r *Reactor) safeCall(cb ReadWriteCallback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("reactor: callback panicked", "recovered", rec)
		}
	}()
	cb()
}

func (r *Reactor) nextTimeoutMillis() int {
	if r.timers.Len() == 0 {
		return -1
	}
	d := time.Until(r.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}

func (r *Reactor) fireExpiredTimers() {
	now := time.Now()
	for r.timers.Len() > 0 && !r.timers[0].deadline.After(now) {
		te := heap.Pop(&r.timers).(*timerEntry)
		te.inHeap = false
		if te.canceled {
			continue
		}
		r.safeCall(te.callback)
	}
}

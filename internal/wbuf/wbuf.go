// Package wbuf implements the per-direction write-buffering discipline
// described in spec.md §4.3: a FIFO of pending byte slices that tolerates
// partial writes and EPIPE, and that keeps "write-readiness is registered iff
// the buffer is non-empty" through the caller-supplied onBusy/onIdle hooks.
// The proxy engine still registers write readiness directly to detect
// completion of a non-blocking connect.
package wbuf

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrFatal wraps any errno from write(2) other than EAGAIN/EPIPE/EINTR,
// which is fatal to the connection that owns this buffer.
var ErrFatal = errors.New("wbuf: fatal write error")

type part struct {
	data    []byte
	written int
}

func (p *part) remaining() []byte { return p.data[p.written:] }
func (p *part) done() bool        { return p.written >= len(p.data) }

// Buffer is a FIFO of pending writes for one socket direction. onBusy and
// onIdle are supplied by the caller (the reactor's add/delete_event_handler
// for write readiness). onBusy is invoked only when the buffer goes from
// empty to non-empty; onIdle is invoked when it drains to empty and also
// whenever WriteReady finds it already empty.
type Buffer struct {
	fd     int
	parts  []part
	onIdle func()
	onBusy func()
}

// New returns a Buffer that writes to fd. onBusy is called the moment the
// buffer transitions from empty to non-empty (register write-readiness);
// onIdle is called the moment it drains back to empty (deregister it).
func New(fd int, onBusy, onIdle func()) *Buffer {
	return &Buffer{fd: fd, onBusy: onBusy, onIdle: onIdle}
}

// Empty reports whether there is nothing left to write.
func (b *Buffer) Empty() bool { return len(b.parts) == 0 }

// Enqueue appends data to the buffer, registering write-readiness if the
// buffer was previously empty. It never blocks and never itself calls
// write(2); the actual write happens on the next write-ready callback.
func (b *Buffer) Enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	wasEmpty := b.Empty()
	cp := append([]byte(nil), data...)
	b.parts = append(b.parts, part{data: cp})
	if wasEmpty {
		b.onBusy()
	}
}

// WriteReady is called when the socket becomes writable: it attempts a
// single write of the head slice, requeues any unwritten tail, drops the
// slice on EPIPE (the peer is gone; the read side will observe EOF), and
// deregisters write-readiness once the buffer empties.
func (b *Buffer) WriteReady() error {
	if b.Empty() {
		b.onIdle()
		return nil
	}
	head := &b.parts[0]
	n, err := unix.Write(b.fd, head.remaining())
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return nil
		case unix.EPIPE:
			b.parts = b.parts[1:]
		default:
			return errFatal(err)
		}
	} else {
		head.written += n
		if head.done() {
			b.parts = b.parts[1:]
		}
	}
	if b.Empty() {
		b.onIdle()
	}
	return nil
}

func errFatal(err error) error {
	return &fatalError{err: err}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return "wbuf: fatal write error: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }
func (e *fatalError) Is(target error) bool { return target == ErrFatal }

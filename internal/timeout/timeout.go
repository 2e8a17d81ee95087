// Package timeout implements the per-connection idle timer (spec.md §4.8): a
// thin wrapper over the reactor's one-shot timer wheel that gives a
// connection a single fixed-duration timer, restarted on any activity and
// torn down on expiry, mirroring the original's
// timer.restart(queue.get_timer(), timeout) call sites.
package timeout

import (
	"time"

	"github.com/marcogreg/proxyd/internal/reactor"
)

// Manager hands out idle timers of a fixed duration against one reactor.
type Manager struct {
	r *reactor.Reactor
	d time.Duration
}

// NewManager returns a Manager whose timers fire after d of inactivity.
func NewManager(r *reactor.Reactor, d time.Duration) *Manager {
	return &Manager{r: r, d: d}
}

// Start arms a fresh idle timer that calls onExpire if not touched or
// canceled within the manager's configured duration.
func (m *Manager) Start(onExpire func()) *Timer {
	return &Timer{t: m.r.AddTimer(m.d, onExpire), d: m.d}
}

// Timer is a single connection's idle timer.
type Timer struct {
	t *reactor.Timer
	d time.Duration
}

// Touch restarts the timer as if it were freshly armed. Call on every
// successful read or write on either of the connection's sockets.
func (t *Timer) Touch() {
	t.t.Restart(t.d)
}

// Cancel prevents the timer from firing. Called when the connection is torn
// down for any other reason.
func (t *Timer) Cancel() {
	t.t.Cancel()
}

package reactor

import (
	"container/heap"
	"time"
)

type timerEntry struct {
	deadline time.Time
	callback ReadWriteCallback
	canceled bool
	inHeap   bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	te := x.(*timerEntry)
	te.index = len(*h)
	*h = append(*h, te)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	te.index = -1
	*h = old[:n-1]
	return te
}

// Timer is an opaque handle to a one-shot timer scheduled on a Reactor.
type Timer struct {
	entry *timerEntry
	r     *Reactor
}

// AddTimer schedules callback to run once, d from now. The returned handle
// may be Restart or Cancel'd at any point before it fires.
func (r *Reactor) AddTimer(d time.Duration, callback ReadWriteCallback) *Timer {
	te := &timerEntry{
		deadline: time.Now().Add(d),
		callback: callback,
		inHeap:   true,
	}
	heap.Push(&r.timers, te)
	return &Timer{entry: te, r: r}
}

// Restart reschedules t to fire d from now, as if freshly created. Restarting
// an already-fired or canceled timer re-arms it.
func (t *Timer) Restart(d time.Duration) {
	t.entry.deadline = time.Now().Add(d)
	t.entry.canceled = false
	if t.entry.inHeap {
		heap.Fix(&t.r.timers, t.entry.index)
	} else {
		t.entry.inHeap = true
		heap.Push(&t.r.timers, t.entry)
	}
}

// Cancel prevents t from firing. Safe to call more than once.
func (t *Timer) Cancel() {
	t.entry.canceled = true
	if t.entry.inHeap {
		heap.Remove(&t.r.timers, t.entry.index)
		t.entry.inHeap = false
	}
}

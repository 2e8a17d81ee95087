package reactor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadReadinessFiresCallback(t *testing.T) {
	a, b := socketpair(t)
	r, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	got := make(chan []byte, 1)
	r.AddEventHandler(a, FilterRead, func() {
		buf := make([]byte, 16)
		n, _ := unix.Read(a, buf)
		got <- buf[:n]
		r.Stop()
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		unix.Write(b, []byte("hi"))
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	select {
	case data := <-got:
		if string(data) != "hi" {
			t.Fatalf("got %q; want %q", data, "hi")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for read callback")
	}
	<-done
}

func TestUserEventTriggeredFromAnotherGoroutine(t *testing.T) {
	fired := make(chan struct{}, 1)
	var r *Reactor
	var err error
	r, err = New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	r.SetUserEventHandler(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	go func() { r.Run() }()
	defer r.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.TriggerUserEvent()
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("user event handler never ran")
	}
}

func TestTimerFiresAfterDuration(t *testing.T) {
	r, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := make(chan struct{}, 1)
	r.AddTimer(30*time.Millisecond, func() {
		fired <- struct{}{}
	})

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestTimerRestartPostponesFire(t *testing.T) {
	r, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := make(chan time.Time, 1)
	timer := r.AddTimer(50*time.Millisecond, func() { fired <- time.Now() })

	go func() { r.Run() }()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	timer.Restart(50 * time.Millisecond)

	select {
	case at := <-fired:
		if at.Sub(start) < 40*time.Millisecond {
			t.Fatalf("timer fired too soon after restart: %v", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatalf("timer never fired after restart")
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	r, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := make(chan struct{}, 1)
	timer := r.AddTimer(30*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()

	go func() { r.Run() }()
	defer r.Stop()

	select {
	case <-fired:
		t.Fatalf("canceled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

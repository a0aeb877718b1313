//go:build linux

package ioevent

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAddAndPollReadable(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got Events
	if err := n.Add(fds[0], Read, LevelTriggered, func(e Events) { got = e }); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	count, err := n.Poll(1000)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Poll() count = %d, want 1", count)
	}
	if got&Read == 0 {
		t.Fatal("expected the registered fd to report Read")
	}
}

func TestPollTimeoutNoEvents(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	start := time.Now()
	count, err := n.Poll(10)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("Poll() count = %d, want 0", count)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("expected Poll to actually wait out the timeout")
	}
}

func TestDelUnregisters(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := n.Add(fds[0], Read, LevelTriggered, func(Events) {}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := n.Del(fds[0]); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if err := n.Del(fds[0]); err != ErrNotRegistered {
		t.Fatalf("second Del() error = %v, want ErrNotRegistered", err)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := n.Add(fds[0], Read, LevelTriggered, func(Events) {}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := n.Add(fds[0], Read, LevelTriggered, func(Events) {}); err != ErrAlreadyRegistered {
		t.Fatalf("second Add() error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestNotifyWakesPoll(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	done := make(chan struct{})
	go func() {
		n.Poll(5000)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	n.Notify()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Notify to wake a blocked Poll")
	}
}

func TestOutOfRangeFD(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer n.Close()

	if err := n.Add(maxFDs+1, Read, LevelTriggered, func(Events) {}); err != ErrFDOutOfRange {
		t.Fatalf("Add() error = %v, want ErrFDOutOfRange", err)
	}
}

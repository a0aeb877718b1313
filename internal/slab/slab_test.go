package slab

import (
	"testing"
	"time"
)

func TestOpenAllocFree(t *testing.T) {
	p, err := Open("ngxcore-test", 64*1024)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	off, ok := p.Alloc(32)
	if !ok {
		t.Fatal("expected Alloc(32) to succeed on a fresh pool")
	}
	buf := p.Bytes(off, 32)
	if len(buf) != 32 {
		t.Fatalf("len(buf) = %d, want 32", len(buf))
	}
	buf[0] = 0x42

	p.Free(off, 32)

	off2, ok := p.Alloc(32)
	if !ok {
		t.Fatal("expected Alloc(32) to succeed after Free")
	}
	if off2 != off {
		t.Fatalf("expected the freed block to be reused, got offset %d want %d", off2, off)
	}
}

func TestAllocBigClass(t *testing.T) {
	p, err := Open("ngxcore-test-big", 1<<20)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	off, ok := p.Alloc(4096)
	if !ok {
		t.Fatal("expected a big-class allocation to succeed")
	}
	if off%pageSize != 0 {
		t.Fatalf("big allocation offset %d is not page-aligned", off)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p, err := Open("ngxcore-test-small", pageSize)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()

	n := 0
	for {
		if _, ok := p.Alloc(64); !ok {
			break
		}
		n++
		if n > 10000 {
			t.Fatal("allocator never reported exhaustion")
		}
	}
	if n == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}
}

func TestAttachRecoversState(t *testing.T) {
	p, err := Open("ngxcore-test-attach", 64*1024)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	fd := p.Fd()

	off, ok := p.Alloc(128)
	if !ok {
		t.Fatal("expected initial Alloc to succeed")
	}
	p.Bytes(off, 128)[0] = 7

	// Simulate a re-exec'd worker attaching to the inherited fd: it must
	// see the same bump cursor, not reset to a fresh header.
	reattached, err := Attach("ngxcore-test-attach", fd, 64*1024)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer reattached.Close()

	if reattached.Bytes(off, 128)[0] != 7 {
		t.Fatal("expected Attach to see data written before the handoff")
	}

	// Allocating from the reattached pool must not collide with the
	// offset already handed out by the original pool.
	off2, ok := reattached.Alloc(128)
	if !ok {
		t.Fatal("expected Alloc on the reattached pool to succeed")
	}
	if off2 == off {
		t.Fatal("reattached pool handed out an offset already in use")
	}
}

func TestSpinlockMutualExclusion(t *testing.T) {
	word := new(uint32)
	a := NewSpinlock(word)
	b := NewSpinlock(word)

	a.Lock()
	acquired := make(chan struct{})
	go func() {
		b.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first still holds it")
	case <-time.After(20 * time.Millisecond):
		// expected: b is spinning, held off by a's lock.
	}

	a.Unlock()
	<-acquired
	b.Unlock()
}
